package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// HistoryReader queries previously ingested documents. Every query excludes excludeID
// and is bounded by a time window or a row limit.
type HistoryReader interface {
	FindByContentHash(ctx context.Context, hash string, excludeID string) ([]HistoricalRecord, error)
	FindVendorInvoices(ctx context.Context, q VendorQuery) ([]HistoricalRecord, error)
	// FindCreatedBetween returns records created in [from, to], newest first
	FindCreatedBetween(ctx context.Context, from, to time.Time, excludeID string, limit int) ([]HistoricalRecord, error)
	// FindRecentByMimeType returns records of mimeType created at or after since, newest first
	FindRecentByMimeType(ctx context.Context, mimeType string, since time.Time, excludeID string, limit int) ([]HistoricalRecord, error)
}

// VendorQuery selects same-vendor invoices inside an amount band and an invoice-date band
type VendorQuery struct {
	VendorID  string
	MinAmount decimal.Decimal
	MaxAmount decimal.Decimal
	DateFrom  time.Time
	DateTo    time.Time
	ExcludeID string
	Limit     int
}

// Matches reports whether rec satisfies the query
func (q VendorQuery) Matches(rec HistoricalRecord) bool {
	if rec.ID == q.ExcludeID || rec.VendorID == "" || rec.VendorID != q.VendorID {
		return false
	}
	amt := rec.Metadata.TotalAmount
	if !amt.Valid || amt.Decimal.LessThan(q.MinAmount) || amt.Decimal.GreaterThan(q.MaxAmount) {
		return false
	}
	d := rec.Metadata.InvoiceDate
	if d == nil || d.Before(q.DateFrom) || d.After(q.DateTo) {
		return false
	}
	return true
}

// Detector is one duplicate-detection strategy
type Detector interface {
	Strategy() Strategy
	// Detect returns scored candidates for doc. content is the raw file and may be nil.
	Detect(ctx context.Context, doc Document, content []byte, rule DetectionRule) ([]Candidate, error)
}

// Registry maps strategies to their detector
type Registry map[Strategy]Detector

// NewRegistry builds the standard detector table. text may be nil, in which case
// fuzzy matching only works against records that already carry extracted text.
func NewRegistry(history HistoryReader, text TextSource) Registry {
	reg := Registry{
		StrategyExactHash:    &ExactHashDetector{History: history},
		StrategyBusinessRule: &BusinessRuleDetector{History: history},
		StrategyTemporal:     &TemporalDetector{History: history},
		StrategyFuzzy:        &FuzzyDetector{History: history, Text: text},
	}
	reg[StrategyComposite] = &CompositeDetector{Detectors: reg}
	return reg
}

// DetectionResult is the outcome of running one rule. Failure is set when the strategy
// could not run; Candidates is then empty.
type DetectionResult struct {
	Rule       DetectionRule
	Candidates []Candidate
	Failure    *DetectionFailure
}

// run executes a single rule, normalising candidates and converting errors and panics into a DetectionFailure
func (r Registry) run(ctx context.Context, doc Document, content []byte, rule DetectionRule) (res DetectionResult) {
	res.Rule = rule
	fail := func(err error) {
		res.Candidates = nil
		res.Failure = &DetectionFailure{Strategy: rule.Strategy, RuleID: rule.ID, DocumentID: doc.ID, Err: err}
	}

	det, ok := r[rule.Strategy]
	if !ok {
		fail(fmt.Errorf("no detector registered for strategy %q", rule.Strategy))
		return res
	}

	defer func() {
		if p := recover(); p != nil {
			fail(fmt.Errorf("detector panic: %v", p))
		}
	}()

	cands, err := det.Detect(ctx, doc, content, rule)
	if err != nil {
		fail(err)
		return res
	}
	for i := range cands {
		cands[i].RuleID = rule.ID
		cands[i].Confidence = clamp01(cands[i].Confidence)
		if cands[i].Similarity != nil {
			cands[i].Similarity = floatPtr(clamp01(*cands[i].Similarity))
		}
	}
	res.Candidates = cands
	return res
}
