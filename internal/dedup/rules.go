package dedup

import (
	"context"
	"fmt"
	"os"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// DetectionRule configures one run of one strategy
type DetectionRule struct {
	ID        string      `json:"id" yaml:"id,omitempty"`
	Name      string      `json:"name" yaml:"name"`
	Strategy  Strategy    `json:"strategy" yaml:"strategy"`
	Priority  int         `json:"priority" yaml:"priority"`
	Active    bool        `json:"is_active" yaml:"is_active"`
	Config    RuleConfig  `json:"configuration" yaml:"configuration,omitempty"`
	Filters   RuleFilters `json:"filters" yaml:"filters,omitempty"`
	CreatedAt time.Time   `json:"created_at" yaml:"-"`
	UpdatedAt time.Time   `json:"updated_at" yaml:"-"`
}

// RuleConfig holds strategy parameters. Zero values fall back to the strategy defaults.
type RuleConfig struct {
	// business_rule
	AmountTolerance   float64 `json:"amount_tolerance,omitempty" yaml:"amount_tolerance,omitempty"`
	DateToleranceDays int     `json:"date_tolerance_days,omitempty" yaml:"date_tolerance_days,omitempty"`

	// business_rule, temporal, composite
	ConfidenceThreshold float64 `json:"confidence_threshold,omitempty" yaml:"confidence_threshold,omitempty"`

	// temporal
	TimeWindowHours float64 `json:"time_window_hours,omitempty" yaml:"time_window_hours,omitempty"`

	// fuzzy
	SimilarityThreshold float64 `json:"similarity_threshold,omitempty" yaml:"similarity_threshold,omitempty"`
	LookbackDays        int     `json:"lookback_days,omitempty" yaml:"lookback_days,omitempty"`
	MaxTextLength       int     `json:"max_text_length,omitempty" yaml:"max_text_length,omitempty"`

	// business_rule, temporal, fuzzy: cap on historical rows read
	MaxComparisons int `json:"max_comparisons,omitempty" yaml:"max_comparisons,omitempty"`

	// composite
	Strategies         []Strategy           `json:"strategies,omitempty" yaml:"strategies,omitempty"`
	Weights            map[Strategy]float64 `json:"weights,omitempty" yaml:"weights,omitempty"`
	SkipWorkingCapital bool                 `json:"skip_working_capital,omitempty" yaml:"skip_working_capital,omitempty"`
}

const (
	defaultAmountTolerance     = 0.01
	defaultDateToleranceDays   = 3
	defaultBusinessThreshold   = 0.8
	defaultTemporalThreshold   = 0.6
	defaultCompositeThreshold  = 0.7
	defaultTimeWindowHours     = 24
	defaultSimilarityThreshold = 0.85
	defaultLookbackDays        = 30
	defaultFuzzyComparisons    = 50
	defaultMaxTextLength       = 10000
	defaultQueryLimit          = 200
)

var defaultCompositeStrategies = []Strategy{StrategyExactHash, StrategyBusinessRule, StrategyTemporal}

func (c RuleConfig) amountTolerance() float64 {
	if c.AmountTolerance > 0 {
		return c.AmountTolerance
	}
	return defaultAmountTolerance
}

func (c RuleConfig) dateToleranceDays() int {
	if c.DateToleranceDays > 0 {
		return c.DateToleranceDays
	}
	return defaultDateToleranceDays
}

func (c RuleConfig) threshold(def float64) float64 {
	if c.ConfidenceThreshold > 0 {
		return c.ConfidenceThreshold
	}
	return def
}

func (c RuleConfig) timeWindow() time.Duration {
	hours := c.TimeWindowHours
	if hours <= 0 {
		hours = defaultTimeWindowHours
	}
	return time.Duration(hours * float64(time.Hour))
}

func (c RuleConfig) similarityThreshold() float64 {
	if c.SimilarityThreshold > 0 {
		return c.SimilarityThreshold
	}
	return defaultSimilarityThreshold
}

func (c RuleConfig) lookback() time.Duration {
	days := c.LookbackDays
	if days <= 0 {
		days = defaultLookbackDays
	}
	return time.Duration(days) * 24 * time.Hour
}

func (c RuleConfig) maxTextLength() int {
	if c.MaxTextLength > 0 {
		return c.MaxTextLength
	}
	return defaultMaxTextLength
}

func (c RuleConfig) maxComparisons(def int) int {
	if c.MaxComparisons > 0 {
		return c.MaxComparisons
	}
	return def
}

func (c RuleConfig) strategies() []Strategy {
	if len(c.Strategies) > 0 {
		return c.Strategies
	}
	return defaultCompositeStrategies
}

func (c RuleConfig) weight(s Strategy) float64 {
	if w, ok := c.Weights[s]; ok {
		return w
	}
	return 1.0
}

// RuleFilters restrict which documents a rule applies to. Empty filters match everything.
type RuleFilters struct {
	VendorIDs     []string   `json:"vendor_ids,omitempty" yaml:"vendor_ids,omitempty"`
	FileTypes     []string   `json:"file_types,omitempty" yaml:"file_types,omitempty"`
	CreatedAfter  *time.Time `json:"created_after,omitempty" yaml:"created_after,omitempty"`
	CreatedBefore *time.Time `json:"created_before,omitempty" yaml:"created_before,omitempty"`
}

// Applies reports whether doc passes every configured filter
func (f RuleFilters) Applies(doc Document) bool {
	if len(f.VendorIDs) > 0 && !slices.Contains(f.VendorIDs, doc.VendorID) {
		return false
	}
	if len(f.FileTypes) > 0 {
		ext := doc.Extension()
		mime := strings.ToLower(doc.MimeType)
		matched := false
		for _, ft := range f.FileTypes {
			ft = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(ft)), ".")
			if ft == mime || ft == ext {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if f.CreatedAfter != nil && doc.CreatedAt.Before(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && doc.CreatedAt.After(*f.CreatedBefore) {
		return false
	}
	return true
}

// Validate checks the rule shape and strategy parameters
func (r DetectionRule) Validate() error {
	invalid := func(field, reason string) error {
		return &ConfigurationError{RuleID: r.ID, Field: field, Reason: reason}
	}
	if strings.TrimSpace(r.Name) == "" {
		return invalid("name", "is required")
	}
	if !r.Strategy.Valid() {
		return invalid("strategy", fmt.Sprintf("unknown strategy %q", r.Strategy))
	}
	if r.Priority < 1 || r.Priority > 10 {
		return invalid("priority", fmt.Sprintf("must be between 1 and 10 (got %d)", r.Priority))
	}

	c := r.Config
	if c.AmountTolerance < 0 || c.AmountTolerance >= 1 {
		return invalid("amount_tolerance", "must be in [0, 1)")
	}
	if c.DateToleranceDays < 0 {
		return invalid("date_tolerance_days", "cannot be negative")
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return invalid("confidence_threshold", "must be in [0, 1]")
	}
	if c.SimilarityThreshold < 0 || c.SimilarityThreshold > 1 {
		return invalid("similarity_threshold", "must be in [0, 1]")
	}
	if c.TimeWindowHours < 0 {
		return invalid("time_window_hours", "cannot be negative")
	}
	if c.LookbackDays < 0 || c.MaxComparisons < 0 || c.MaxTextLength < 0 {
		return invalid("limits", "lookback_days, max_comparisons and max_text_length cannot be negative")
	}
	for _, s := range c.Strategies {
		if !s.Valid() {
			return invalid("strategies", fmt.Sprintf("unknown strategy %q", s))
		}
		if s == StrategyComposite {
			return invalid("strategies", "composite cannot include itself")
		}
	}
	for s, w := range c.Weights {
		if !s.Valid() || s == StrategyComposite {
			return invalid("weights", fmt.Sprintf("unknown strategy %q", s))
		}
		if w < 0 {
			return invalid("weights", fmt.Sprintf("weight for %s cannot be negative", s))
		}
	}
	if r.Strategy == StrategyComposite {
		var total float64
		for _, s := range c.strategies() {
			total += c.weight(s)
		}
		if total <= 0 {
			return invalid("weights", "composite strategies must have a positive total weight")
		}
	}
	if f := r.Filters; f.CreatedAfter != nil && f.CreatedBefore != nil && f.CreatedAfter.After(*f.CreatedBefore) {
		return invalid("filters", "created_after is after created_before")
	}
	return nil
}

// DefaultRules returns one active rule per strategy
func DefaultRules() []DetectionRule {
	return []DetectionRule{
		{ID: "default-exact-hash", Name: "Identical file content", Strategy: StrategyExactHash, Priority: 10, Active: true},
		{ID: "default-composite", Name: "Corroborated duplicate", Strategy: StrategyComposite, Priority: 9, Active: true},
		{ID: "default-business-rule", Name: "Same vendor, amount and date", Strategy: StrategyBusinessRule, Priority: 8, Active: true},
		{ID: "default-temporal", Name: "Resubmitted within a day", Strategy: StrategyTemporal, Priority: 6, Active: true},
		{ID: "default-fuzzy", Name: "Similar document text", Strategy: StrategyFuzzy, Priority: 4, Active: true},
	}
}

// RuleRepository persists rule definitions
type RuleRepository interface {
	ListRules(ctx context.Context) ([]DetectionRule, error)
	ReplaceRules(ctx context.Context, rules []DetectionRule) error
}

// RuleStore holds the validated rule set used by detection runs
type RuleStore struct {
	repo RuleRepository
	now  func() time.Time

	mu       sync.RWMutex
	rules    []DetectionRule
	loadedAt time.Time
}

// NewRuleStore creates a RuleStore backed by repo. Call Load before use.
func NewRuleStore(repo RuleRepository) *RuleStore {
	return &RuleStore{repo: repo, now: time.Now}
}

// Load reads rules from the repository, replacing the in-memory set.
// An empty repository yields DefaultRules. Any invalid rule fails the load.
func (s *RuleStore) Load(ctx context.Context) error {
	rules, err := s.repo.ListRules(ctx)
	if err != nil {
		return fmt.Errorf("loading rules: %w", err)
	}
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = rules
	s.loadedAt = s.now()
	return nil
}

// Replace validates and persists a complete rule set
func (s *RuleStore) Replace(ctx context.Context, rules []DetectionRule) error {
	now := s.now()
	existing := make(map[string]DetectionRule)
	for _, r := range s.Rules() {
		existing[r.ID] = r
	}

	prepared := make([]DetectionRule, 0, len(rules))
	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		if seen[r.ID] {
			return &ConfigurationError{RuleID: r.ID, Field: "id", Reason: "duplicate rule id"}
		}
		seen[r.ID] = true
		if err := r.Validate(); err != nil {
			return err
		}
		if prev, ok := existing[r.ID]; ok && !prev.CreatedAt.IsZero() {
			r.CreatedAt = prev.CreatedAt
		} else if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		r.UpdatedAt = now
		prepared = append(prepared, r)
	}

	if err := s.repo.ReplaceRules(ctx, prepared); err != nil {
		return fmt.Errorf("saving rules: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = prepared
	s.loadedAt = now
	return nil
}

// Rules returns a copy of the current rule set
func (s *RuleStore) Rules() []DetectionRule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.rules)
}

// LoadedAt returns when the rule set was last loaded or replaced
func (s *RuleStore) LoadedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadedAt
}

// Applicable returns the active rules whose filters match doc, highest priority first
func (s *RuleStore) Applicable(doc Document) []DetectionRule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []DetectionRule
	for _, r := range s.rules {
		if r.Active && r.Filters.Applies(doc) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out
}

type rulesFile struct {
	Rules []DetectionRule `yaml:"rules"`
}

// LoadRulesFile reads rule definitions from a YAML file and validates them
func LoadRulesFile(path string) ([]DetectionRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rules file: %w", err)
	}
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, &ConfigurationError{Field: path, Reason: err.Error()}
	}
	for _, r := range f.Rules {
		if err := r.Validate(); err != nil {
			return nil, err
		}
	}
	return f.Rules, nil
}
