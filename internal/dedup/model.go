package dedup

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Strategy identifies a detection algorithm
type Strategy string

const (
	StrategyExactHash    Strategy = "exact_hash"
	StrategyBusinessRule Strategy = "business_rule"
	StrategyTemporal     Strategy = "temporal"
	StrategyFuzzy        Strategy = "fuzzy"
	StrategyComposite    Strategy = "composite"
)

// Valid reports whether s is a known strategy
func (s Strategy) Valid() bool {
	switch s {
	case StrategyExactHash, StrategyBusinessRule, StrategyTemporal, StrategyFuzzy, StrategyComposite:
		return true
	}
	return false
}

// Metadata holds the fields extracted from an invoice by the upstream scanner
type Metadata struct {
	InvoiceNumber string              `json:"invoice_number,omitempty"`
	VendorName    string              `json:"vendor_name,omitempty"`
	TotalAmount   decimal.NullDecimal `json:"total_amount"`
	InvoiceDate   *time.Time          `json:"invoice_date,omitempty"`
	Currency      string              `json:"currency,omitempty"`
	PaymentTerms  string              `json:"payment_terms,omitempty"`
}

// Document is an ingested invoice file. It is immutable once saved.
type Document struct {
	ID          string    `json:"id"`
	ContentHash string    `json:"content_hash"`
	Size        int64     `json:"size"`
	Filename    string    `json:"filename"`
	MimeType    string    `json:"mime_type"`
	VendorID    string    `json:"vendor_id,omitempty"`
	Metadata    Metadata  `json:"metadata"`
	CreatedAt   time.Time `json:"created_at"`
}

// Extension returns the lowercased file extension without the dot
func (d Document) Extension() string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(d.Filename)), ".")
}

// HistoricalRecord is a previously ingested document available for comparison
type HistoricalRecord struct {
	Document
	InvoiceID string `json:"invoice_id,omitempty"`
	Text      string `json:"text,omitempty"`
}

// Candidate is a scored, unpersisted hypothesis that a document duplicates a historical record
type Candidate struct {
	MatchingRecordID  string                  `json:"matching_record_id"`
	Strategy          Strategy                `json:"strategy"`
	RuleID            string                  `json:"rule_id,omitempty"`
	Confidence        float64                 `json:"confidence"`
	Similarity        *float64                `json:"similarity"`
	MatchCriteria     []string                `json:"match_criteria"`
	ComparisonDetails map[string]any          `json:"comparison_details"`
	WorkingCapital    *WorkingCapitalAnalysis `json:"working_capital_analysis,omitempty"`
	// Matched is the historical record the candidate points at. Not persisted.
	Matched *HistoricalRecord `json:"-"`
}

// Status is the lifecycle state of a DuplicateRecord
type Status string

const (
	StatusDetected Status = "detected"
	StatusResolved Status = "resolved"
)

// ResolutionAction is the outcome a reviewer or automation chose for a duplicate
type ResolutionAction string

const (
	ActionAutoIgnore      ResolutionAction = "auto_ignore"
	ActionAutoMerge       ResolutionAction = "auto_merge"
	ActionManualReview    ResolutionAction = "manual_review"
	ActionReplaceExisting ResolutionAction = "replace_existing"
	ActionArchiveExisting ResolutionAction = "archive_existing"
)

// Valid reports whether a is a known resolution action
func (a ResolutionAction) Valid() bool {
	switch a {
	case ActionAutoIgnore, ActionAutoMerge, ActionManualReview, ActionReplaceExisting, ActionArchiveExisting:
		return true
	}
	return false
}

// DuplicateRecord is a persisted candidate. Records are never deleted.
type DuplicateRecord struct {
	ID                  string                  `json:"id"`
	DocumentID          string                  `json:"document_id"`
	OriginalRecordID    string                  `json:"original_record_id"`
	VendorID            string                  `json:"vendor_id,omitempty"`
	Strategy            Strategy                `json:"strategy"`
	RuleID              string                  `json:"rule_id,omitempty"`
	Confidence          float64                 `json:"confidence"`
	Similarity          *float64                `json:"similarity"`
	MatchCriteria       []string                `json:"match_criteria"`
	ComparisonDetails   map[string]any          `json:"comparison_details"`
	WorkingCapital      *WorkingCapitalAnalysis `json:"working_capital_analysis,omitempty"`
	RequiresHumanReview bool                    `json:"requires_human_review"`
	Status              Status                  `json:"status"`
	ResolutionAction    ResolutionAction        `json:"resolution_action,omitempty"`
	ResolvedBy          string                  `json:"resolved_by,omitempty"`
	ResolvedAt          *time.Time              `json:"resolved_at,omitempty"`
	ResolutionNotes     string                  `json:"resolution_notes,omitempty"`
	DetectedAt          time.Time               `json:"detected_at"`
}

// Resolution carries the fields written when a group is resolved
type Resolution struct {
	Action ResolutionAction
	Actor  string
	Notes  string
	At     time.Time
}

// Apply moves the record to resolved. Only resolution metadata changes on an already resolved record,
// which happens when a group gains a new detection after it was resolved.
func (r *DuplicateRecord) Apply(res Resolution) {
	at := res.At
	r.Status = StatusResolved
	r.ResolutionAction = res.Action
	r.ResolvedBy = res.Actor
	r.ResolvedAt = &at
	r.ResolutionNotes = res.Notes
}

// DuplicateGroup is every DuplicateRecord sharing an original record. Computed on read.
type DuplicateGroup struct {
	GroupID              string            `json:"group_id"`
	Records              []DuplicateRecord `json:"records"`
	MaxConfidence        float64           `json:"max_confidence"`
	Status               Status            `json:"status"`
	RequiresHumanReview  bool              `json:"requires_human_review"`
	WorkingCapitalAtRisk decimal.Decimal   `json:"working_capital_at_risk"`
	Strategies           []Strategy        `json:"strategies"`
	LatestDetectedAt     time.Time         `json:"latest_detected_at"`
}

// GroupFilter narrows GetDuplicateGroups
type GroupFilter struct {
	Status         Status
	VendorID       string
	MinConfidence  float64
	RequiresReview *bool
	Limit          int
}

// Matches reports whether a single record passes the record-level parts of the filter
func (f GroupFilter) Matches(r DuplicateRecord) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.VendorID != "" && r.VendorID != f.VendorID {
		return false
	}
	if r.Confidence < f.MinConfidence {
		return false
	}
	if f.RequiresReview != nil && r.RequiresHumanReview != *f.RequiresReview {
		return false
	}
	return true
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func floatPtr(v float64) *float64 {
	return &v
}
