package dedup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// DuplicateStore persists duplicate records
type DuplicateStore interface {
	// SaveDuplicates writes all records in one transaction. Records already resolved are left untouched.
	SaveDuplicates(ctx context.Context, records []DuplicateRecord) error
	// ListDuplicates returns records passing the record-level filter
	ListDuplicates(ctx context.Context, filter GroupFilter) ([]DuplicateRecord, error)
	// ResolveGroup applies res to every record of the group in one transaction and returns how many changed.
	// It returns ErrGroupNotFound when the group has no records and ErrAlreadyResolved when none is still detected.
	ResolveGroup(ctx context.Context, groupID string, res Resolution) (int, error)
	VendorHistory
}

// Store is everything the engine needs from persistence
type Store interface {
	HistoryReader
	DuplicateStore
	RuleRepository
}

// Config tunes the engine
type Config struct {
	ReviewThreshold float64
	MaxConcurrency  int
	WorkingCapital  WorkingCapitalConfig
}

// DefaultConfig returns the standard engine configuration
func DefaultConfig() Config {
	return Config{
		ReviewThreshold: DefaultReviewThreshold,
		MaxConcurrency:  4,
		WorkingCapital:  DefaultWorkingCapitalConfig(),
	}
}

// Engine runs duplicate detection, persists results and resolves duplicate groups
type Engine struct {
	rules     *RuleStore
	detectors Registry
	store     DuplicateStore
	scorer    *WorkingCapitalScorer
	cfg       Config
	now       func() time.Time
}

// NewEngine wires the standard detectors against store
func NewEngine(store Store, rules *RuleStore, text TextSource, cfg Config) *Engine {
	return NewEngineWithDeps(rules, NewRegistry(store, text), store, cfg, time.Now)
}

// NewEngineWithDeps creates an Engine with custom detectors and clock for testing
func NewEngineWithDeps(rules *RuleStore, detectors Registry, store DuplicateStore, cfg Config, now func() time.Time) *Engine {
	if cfg.ReviewThreshold <= 0 {
		cfg.ReviewThreshold = DefaultReviewThreshold
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	return &Engine{
		rules:     rules,
		detectors: detectors,
		store:     store,
		scorer:    &WorkingCapitalScorer{Config: cfg.WorkingCapital, Vendors: store},
		cfg:       cfg,
		now:       now,
	}
}

// Detect runs every applicable rule concurrently. Failures are isolated per rule.
func (e *Engine) Detect(ctx context.Context, doc Document, content []byte) []DetectionResult {
	rules := e.rules.Applicable(doc)
	results := make([]DetectionResult, len(rules))

	var g errgroup.Group
	g.SetLimit(e.cfg.MaxConcurrency)
	for i, rule := range rules {
		g.Go(func() error {
			res := e.detectors.run(ctx, doc, content, rule)
			if res.Failure == nil && rule.Strategy == StrategyComposite && !rule.Config.SkipWorkingCapital {
				res.Candidates = e.scorer.Score(ctx, doc, res.Candidates)
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	for _, res := range results {
		if res.Failure != nil {
			slog.Warn("Detection strategy failed",
				"document_id", doc.ID,
				"rule_id", res.Rule.ID,
				"strategy", res.Rule.Strategy,
				"error", res.Failure.Err,
			)
		}
	}
	return results
}

// AnalyzeForDuplicates runs the applicable rules, persists one DuplicateRecord per surviving
// candidate and returns the candidates ranked by confidence
func (e *Engine) AnalyzeForDuplicates(ctx context.Context, doc Document, content []byte) ([]Candidate, error) {
	results := e.Detect(ctx, doc, content)
	cands := Aggregate(results)
	if len(cands) == 0 {
		return []Candidate{}, nil
	}

	records := NewDuplicateRecords(doc, cands, e.cfg.ReviewThreshold, e.now())
	if err := e.store.SaveDuplicates(ctx, records); err != nil {
		slog.Error("Failed to persist duplicates",
			"document_id", doc.ID,
			"candidates", len(records),
			"error", err,
		)
		return nil, &AggregationFailure{DocumentID: doc.ID, Err: err}
	}

	slog.Info("Duplicate candidates recorded",
		"document_id", doc.ID,
		"candidates", len(records),
		"top_confidence", cands[0].Confidence,
		"top_record_id", cands[0].MatchingRecordID,
	)
	return cands, nil
}

// GetDuplicateGroups returns persisted duplicates grouped by original record
func (e *Engine) GetDuplicateGroups(ctx context.Context, filter GroupFilter) ([]DuplicateGroup, error) {
	records, err := e.store.ListDuplicates(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("listing duplicates: %w", err)
	}
	groups := GroupRecords(records)
	if filter.Limit > 0 && len(groups) > filter.Limit {
		groups = groups[:filter.Limit]
	}
	return groups, nil
}

// ErrInvalidAction is wrapped by ResolutionFailure for unknown actions or a missing actor
var ErrInvalidAction = errors.New("invalid resolution")

// ResolveDuplicateGroup resolves every record of a group in one transaction. On error nothing changed.
func (e *Engine) ResolveDuplicateGroup(ctx context.Context, groupID string, action ResolutionAction, actor, notes string) error {
	if !action.Valid() {
		return &ResolutionFailure{GroupID: groupID, Err: fmt.Errorf("%w: unknown action %q", ErrInvalidAction, action)}
	}
	if strings.TrimSpace(actor) == "" {
		return &ResolutionFailure{GroupID: groupID, Err: fmt.Errorf("%w: actor is required", ErrInvalidAction)}
	}

	n, err := e.store.ResolveGroup(ctx, groupID, Resolution{
		Action: action,
		Actor:  actor,
		Notes:  notes,
		At:     e.now(),
	})
	if err != nil {
		slog.Error("Failed to resolve duplicate group",
			"group_id", groupID,
			"action", action,
			"actor", actor,
			"error", err,
		)
		return &ResolutionFailure{GroupID: groupID, Err: err}
	}

	slog.Info("Duplicate group resolved",
		"group_id", groupID,
		"action", action,
		"actor", actor,
		"records", n,
	)
	return nil
}

// UpdateDeduplicationRules validates and replaces the rule set
func (e *Engine) UpdateDeduplicationRules(ctx context.Context, rules []DetectionRule) error {
	if err := e.rules.Replace(ctx, rules); err != nil {
		slog.Error("Failed to update deduplication rules", "rules", len(rules), "error", err)
		return err
	}
	slog.Info("Deduplication rules updated", "rules", len(rules))
	return nil
}

// Rules returns the current rule set
func (e *Engine) Rules() []DetectionRule {
	return e.rules.Rules()
}
