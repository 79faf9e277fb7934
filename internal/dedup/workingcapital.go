package dedup

import (
	"context"
	"log/slog"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// ImpactLevel buckets the working-capital score
type ImpactLevel string

const (
	ImpactMinimal  ImpactLevel = "minimal"
	ImpactLow      ImpactLevel = "low"
	ImpactMedium   ImpactLevel = "medium"
	ImpactHigh     ImpactLevel = "high"
	ImpactCritical ImpactLevel = "critical"
)

// WorkingCapitalConfig tunes the financial-impact model
type WorkingCapitalConfig struct {
	// Weight is the share of the adjusted confidence taken from the working-capital score
	Weight float64
	// CostOfCapital is the annual rate applied to capital tied up by a duplicate payment
	CostOfCapital float64
	// DefaultPaymentDays applies when payment terms cannot be read
	DefaultPaymentDays int
	// MinFinancialImpact drops candidates whose tied capital is below it
	MinFinancialImpact decimal.Decimal
}

// DefaultWorkingCapitalConfig returns the standard model parameters
func DefaultWorkingCapitalConfig() WorkingCapitalConfig {
	return WorkingCapitalConfig{
		Weight:             0.3,
		CostOfCapital:      0.08,
		DefaultPaymentDays: 45,
		MinFinancialImpact: decimal.NewFromInt(1000),
	}
}

// RiskFactors are sub-scores in [0,100]
type RiskFactors struct {
	AmountVariance float64 `json:"amount_variance"`
	Timing         float64 `json:"timing"`
	VendorHistory  float64 `json:"vendor_history"`
	PaymentTerms   float64 `json:"payment_terms"`
}

func (r RiskFactors) average() float64 {
	return (r.AmountVariance + r.Timing + r.VendorHistory + r.PaymentTerms) / 4
}

// WorkingCapitalAnalysis explains the financial impact of a candidate duplicate
type WorkingCapitalAnalysis struct {
	WorkingCapitalTied   decimal.Decimal `json:"working_capital_tied"`
	AmountDifference     decimal.Decimal `json:"amount_difference"`
	DaysToPayment        int             `json:"days_to_payment"`
	CostOfCapital        float64         `json:"cost_of_capital"`
	DelayedCashFlowCost  decimal.Decimal `json:"delayed_cash_flow_cost"`
	RiskFactors          RiskFactors     `json:"risk_factors"`
	FinancialImpactScore float64         `json:"financial_impact_score"`
	CashFlowScore        float64         `json:"cash_flow_score"`
	RiskFactorScore      float64         `json:"risk_factor_score"`
	Score                float64         `json:"working_capital_score"`
	ImpactLevel          ImpactLevel     `json:"impact_level"`
	RecommendedActions   []string        `json:"recommended_actions"`
	OriginalConfidence   float64         `json:"original_confidence"`
	AdjustedConfidence   float64         `json:"adjusted_confidence"`
}

// VendorHistory counts prior duplicate records for a vendor
type VendorHistory interface {
	// CountVendorDuplicates counts the vendor's duplicate records, ignoring those of excludeDocumentID
	CountVendorDuplicates(ctx context.Context, vendorID, excludeDocumentID string) (int, error)
}

// WorkingCapitalScorer attaches a financial-impact analysis to composite candidates
type WorkingCapitalScorer struct {
	Config  WorkingCapitalConfig
	Vendors VendorHistory
}

// Score enriches each candidate, re-weights its confidence and drops candidates whose tied
// capital is below the minimum impact. The result is ordered by adjusted confidence.
func (s *WorkingCapitalScorer) Score(ctx context.Context, doc Document, cands []Candidate) []Candidate {
	out := make([]Candidate, 0, len(cands))
	for _, c := range cands {
		analysis := s.Analyze(ctx, doc, c.Matched, c.Confidence)
		if analysis.WorkingCapitalTied.LessThan(s.Config.MinFinancialImpact) {
			slog.Debug("Dropping candidate below financial impact threshold",
				"document_id", doc.ID,
				"record_id", c.MatchingRecordID,
				"working_capital_tied", analysis.WorkingCapitalTied.String(),
			)
			continue
		}
		c.WorkingCapital = &analysis
		c.Confidence = analysis.AdjustedConfidence
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	return out
}

// Analyze computes the working-capital analysis of doc against matched
func (s *WorkingCapitalScorer) Analyze(ctx context.Context, doc Document, matched *HistoricalRecord, confidence float64) WorkingCapitalAnalysis {
	cfg := s.Config
	var other Metadata
	var otherVendor string
	if matched != nil {
		other = matched.Metadata
		otherVendor = matched.VendorID
	}

	a, b := doc.Metadata.TotalAmount, other.TotalAmount
	var diff, tied decimal.Decimal
	switch {
	case a.Valid && b.Valid:
		diff = a.Decimal.Sub(b.Decimal)
		if diff.IsZero() {
			tied = decimal.Min(a.Decimal.Abs(), b.Decimal.Abs())
		} else {
			tied = diff.Abs()
		}
	case a.Valid:
		tied = a.Decimal.Abs()
	case b.Valid:
		tied = b.Decimal.Abs()
	}

	days, ok := ParsePaymentTerms(doc.Metadata.PaymentTerms)
	if !ok {
		days, ok = ParsePaymentTerms(other.PaymentTerms)
	}
	if !ok {
		days = cfg.DefaultPaymentDays
	}

	delayed := tied.
		Mul(decimal.NewFromInt(int64(days))).
		Div(decimal.NewFromInt(365)).
		Mul(decimal.NewFromFloat(cfg.CostOfCapital)).
		Round(2)

	factors := RiskFactors{
		AmountVariance: amountVarianceRisk(a, b),
		Timing:         timingRisk(doc, matched),
		VendorHistory:  s.vendorHistoryRisk(ctx, doc.ID, doc.VendorID, otherVendor),
		PaymentTerms:   paymentTermsRisk(days),
	}

	impact := financialImpactScore(tied)
	cashFlow := cashFlowScore(delayed)
	riskScore := factors.average() / 100 * 30
	score := math.Max(0, math.Min(100, impact+cashFlow+riskScore))
	level := impactLevel(score)

	adjusted := clamp01(confidence*(1-cfg.Weight) + (score/100)*cfg.Weight)

	return WorkingCapitalAnalysis{
		WorkingCapitalTied:   tied,
		AmountDifference:     diff,
		DaysToPayment:        days,
		CostOfCapital:        cfg.CostOfCapital,
		DelayedCashFlowCost:  delayed,
		RiskFactors:          factors,
		FinancialImpactScore: impact,
		CashFlowScore:        cashFlow,
		RiskFactorScore:      riskScore,
		Score:                score,
		ImpactLevel:          level,
		RecommendedActions:   recommendedActions[level],
		OriginalConfidence:   confidence,
		AdjustedConfidence:   adjusted,
	}
}

var (
	netTermsPattern = regexp.MustCompile(`net\s*-?\s*(\d+)`)
	dayTermsPattern = regexp.MustCompile(`(\d+)\s*days?`)
)

// ParsePaymentTerms reads a days-to-payment figure from free-form terms like "Net 30" or "2/10 net 45"
func ParsePaymentTerms(terms string) (int, bool) {
	t := strings.ToLower(strings.TrimSpace(terms))
	if t == "" {
		return 0, false
	}
	if strings.Contains(t, "receipt") || strings.Contains(t, "immediate") || t == "cod" || strings.Contains(t, "cash on delivery") {
		return 0, true
	}
	for _, re := range []*regexp.Regexp{netTermsPattern, dayTermsPattern} {
		if m := re.FindStringSubmatch(t); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

func amountVarianceRisk(a, b decimal.NullDecimal) float64 {
	if !a.Valid || !b.Valid {
		return 50
	}
	larger := decimal.Max(a.Decimal.Abs(), b.Decimal.Abs())
	if larger.IsZero() {
		return 50
	}
	pct := a.Decimal.Sub(b.Decimal).Abs().Div(larger).InexactFloat64()
	switch {
	case pct == 0:
		return 100
	case pct <= 0.01:
		return 90
	case pct <= 0.05:
		return 70
	case pct <= 0.10:
		return 50
	case pct <= 0.25:
		return 30
	default:
		return 10
	}
}

func timingRisk(doc Document, matched *HistoricalRecord) float64 {
	if matched == nil {
		return 50
	}
	var gap float64
	if d1, d2 := doc.Metadata.InvoiceDate, matched.Metadata.InvoiceDate; d1 != nil && d2 != nil {
		gap = math.Abs(d1.Sub(*d2).Hours()) / 24
	} else {
		gap = math.Abs(doc.CreatedAt.Sub(matched.CreatedAt).Hours()) / 24
	}
	switch {
	case gap <= 1:
		return 100
	case gap <= 7:
		return 80
	case gap <= 30:
		return 50
	case gap <= 90:
		return 25
	default:
		return 10
	}
}

func (s *WorkingCapitalScorer) vendorHistoryRisk(ctx context.Context, docID, vendorID, otherVendor string) float64 {
	if vendorID == "" || otherVendor == "" {
		return 40
	}
	if vendorID != otherVendor {
		return 20
	}
	prior := 0
	if s.Vendors != nil {
		n, err := s.Vendors.CountVendorDuplicates(ctx, vendorID, docID)
		if err != nil {
			slog.Warn("Counting vendor duplicates failed", "vendor_id", vendorID, "error", err)
		} else {
			prior = n
		}
	}
	return 60 + math.Min(40, float64(prior)*10)
}

func paymentTermsRisk(days int) float64 {
	switch {
	case days <= 0:
		return 100
	case days <= 15:
		return 85
	case days <= 30:
		return 65
	case days <= 45:
		return 50
	case days <= 60:
		return 35
	default:
		return 20
	}
}

// financialImpactScore maps tied capital onto 0..40
func financialImpactScore(tied decimal.Decimal) float64 {
	v := tied.InexactFloat64()
	switch {
	case v >= 100000:
		return 40
	case v >= 50000:
		return 34
	case v >= 25000:
		return 28
	case v >= 10000:
		return 22
	case v >= 5000:
		return 16
	case v >= 1000:
		return 10
	case v > 0:
		return 4
	default:
		return 0
	}
}

// cashFlowScore maps the delayed cash-flow cost onto 0..30
func cashFlowScore(cost decimal.Decimal) float64 {
	v := cost.InexactFloat64()
	switch {
	case v >= 5000:
		return 30
	case v >= 1000:
		return 24
	case v >= 500:
		return 18
	case v >= 100:
		return 12
	case v >= 10:
		return 6
	case v > 0:
		return 2
	default:
		return 0
	}
}

func impactLevel(score float64) ImpactLevel {
	switch {
	case score >= 80:
		return ImpactCritical
	case score >= 60:
		return ImpactHigh
	case score >= 40:
		return ImpactMedium
	case score >= 20:
		return ImpactLow
	default:
		return ImpactMinimal
	}
}

var recommendedActions = map[ImpactLevel][]string{
	ImpactCritical: {
		"Place an immediate payment hold on both invoices",
		"Escalate to the finance controller",
		"Confirm the invoice directly with the vendor before release",
	},
	ImpactHigh: {
		"Place a payment hold pending review",
		"Route to a senior accounts payable reviewer",
		"Compare line items against the original invoice",
	},
	ImpactMedium: {
		"Route to accounts payable review before the next payment run",
		"Verify invoice number and amount with the vendor record",
	},
	ImpactLow: {
		"Add to the routine review queue",
	},
	ImpactMinimal: {
		"Monitor; no action required",
	},
}
