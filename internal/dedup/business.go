package dedup

import (
	"context"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// BusinessRuleDetector flags same-vendor invoices with a similar amount and invoice date
type BusinessRuleDetector struct {
	History HistoryReader
}

func (d *BusinessRuleDetector) Strategy() Strategy { return StrategyBusinessRule }

// Detect requires vendor, amount and invoice date. With any of them missing it returns no candidates.
func (d *BusinessRuleDetector) Detect(ctx context.Context, doc Document, _ []byte, rule DetectionRule) ([]Candidate, error) {
	amount := doc.Metadata.TotalAmount
	date := doc.Metadata.InvoiceDate
	if doc.VendorID == "" || !amount.Valid || date == nil {
		return nil, nil
	}
	base := amount.Decimal.Abs()
	if base.IsZero() {
		return nil, nil
	}

	cfg := rule.Config
	days := cfg.dateToleranceDays()
	delta := base.Mul(decimal.NewFromFloat(cfg.amountTolerance()))
	recs, err := d.History.FindVendorInvoices(ctx, VendorQuery{
		VendorID:  doc.VendorID,
		MinAmount: amount.Decimal.Sub(delta),
		MaxAmount: amount.Decimal.Add(delta),
		DateFrom:  date.AddDate(0, 0, -days),
		DateTo:    date.AddDate(0, 0, days),
		ExcludeID: doc.ID,
		Limit:     cfg.maxComparisons(defaultQueryLimit),
	})
	if err != nil {
		return nil, fmt.Errorf("finding vendor invoices: %w", err)
	}

	threshold := cfg.threshold(defaultBusinessThreshold)
	var cands []Candidate
	for _, rec := range recs {
		other := rec.Metadata
		if !other.TotalAmount.Valid || other.InvoiceDate == nil {
			continue
		}
		diff := amount.Decimal.Sub(other.TotalAmount.Decimal)
		amountConf := 1 - diff.Abs().Div(base).InexactFloat64()
		dateDiffDays := math.Abs(other.InvoiceDate.Sub(*date).Hours() / 24)
		dateConf := 1 - dateDiffDays/float64(days)
		overall := (amountConf + dateConf) / 2
		if overall < threshold {
			continue
		}

		criteria := []string{"vendor_id", "total_amount", "invoice_date"}
		if doc.Metadata.InvoiceNumber != "" && doc.Metadata.InvoiceNumber == other.InvoiceNumber {
			criteria = append(criteria, "invoice_number")
		}
		matched := rec
		cands = append(cands, Candidate{
			MatchingRecordID: rec.ID,
			Strategy:         StrategyBusinessRule,
			Confidence:       overall,
			MatchCriteria:    criteria,
			ComparisonDetails: map[string]any{
				"amount_difference":    diff.String(),
				"amount_confidence":    amountConf,
				"date_difference_days": dateDiffDays,
				"date_confidence":      dateConf,
				"amount_tolerance":     cfg.amountTolerance(),
				"date_tolerance_days":  days,
			},
			Matched: &matched,
		})
	}
	return cands, nil
}
