package dedup

import (
	"context"
	"log/slog"
	"sort"
)

// CompositeDetector runs several base strategies and combines their confidences per record
type CompositeDetector struct {
	Detectors Registry
}

func (d *CompositeDetector) Strategy() Strategy { return StrategyComposite }

// contribution is one base strategy's candidate with the weight it carries
type contribution struct {
	strategy  Strategy
	weight    float64
	candidate Candidate
}

func (d *CompositeDetector) Detect(ctx context.Context, doc Document, content []byte, rule DetectionRule) ([]Candidate, error) {
	cfg := rule.Config
	sub := cfg
	sub.ConfidenceThreshold = 0
	sub.Strategies = nil
	sub.Weights = nil

	var contribs []contribution
	for _, s := range cfg.strategies() {
		w := cfg.weight(s)
		if w == 0 || s == StrategyComposite {
			continue
		}
		res := d.Detectors.run(ctx, doc, content, DetectionRule{
			ID:       rule.ID + "/" + string(s),
			Name:     rule.Name,
			Strategy: s,
			Priority: rule.Priority,
			Active:   true,
			Config:   sub,
		})
		if res.Failure != nil {
			slog.Warn("Composite sub-strategy failed",
				"document_id", doc.ID,
				"rule_id", rule.ID,
				"strategy", s,
				"error", res.Failure.Err,
			)
			continue
		}
		for _, c := range res.Candidates {
			contribs = append(contribs, contribution{strategy: s, weight: w, candidate: c})
		}
	}

	threshold := cfg.threshold(defaultCompositeThreshold)
	var out []Candidate
	for _, c := range mergeContributions(contribs) {
		if c.Confidence >= threshold {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	return out, nil
}

// mergeContributions groups contributions by matching record, preserving first-seen order,
// and reduces each group to one composite candidate
func mergeContributions(contribs []contribution) []Candidate {
	var order []string
	groups := make(map[string][]contribution)
	for _, c := range contribs {
		id := c.candidate.MatchingRecordID
		if _, ok := groups[id]; !ok {
			order = append(order, id)
		}
		groups[id] = append(groups[id], c)
	}

	out := make([]Candidate, 0, len(order))
	for _, id := range order {
		out = append(out, reduceContributions(id, groups[id]))
	}
	return out
}

// reduceContributions computes the weighted confidence of every strategy that matched one record.
// All contributions count, so corroborating strategies are not collapsed into a max.
func reduceContributions(recordID string, group []contribution) Candidate {
	var weighted, totalWeight, simWeighted, simWeight float64
	var criteria []string
	seen := make(map[string]bool)
	perStrategy := make(map[string]any, len(group))
	confidences := make(map[string]float64, len(group))
	weights := make(map[string]float64, len(group))
	var matched *HistoricalRecord

	for _, c := range group {
		weighted += c.candidate.Confidence * c.weight
		totalWeight += c.weight
		if c.candidate.Similarity != nil {
			simWeighted += *c.candidate.Similarity * c.weight
			simWeight += c.weight
		}
		for _, m := range c.candidate.MatchCriteria {
			if !seen[m] {
				seen[m] = true
				criteria = append(criteria, m)
			}
		}
		key := string(c.strategy)
		perStrategy[key] = c.candidate.ComparisonDetails
		confidences[key] = c.candidate.Confidence
		weights[key] = c.weight
		if matched == nil {
			matched = c.candidate.Matched
		}
	}

	var conf float64
	if totalWeight > 0 {
		conf = weighted / totalWeight
	}
	var sim *float64
	if simWeight > 0 {
		sim = floatPtr(clamp01(simWeighted / simWeight))
	}

	details := map[string]any{
		"strategy_confidences": confidences,
		"strategy_weights":     weights,
		"total_weight":         totalWeight,
		"strategies":           perStrategy,
	}
	return Candidate{
		MatchingRecordID:  recordID,
		Strategy:          StrategyComposite,
		Confidence:        clamp01(conf),
		Similarity:        sim,
		MatchCriteria:     criteria,
		ComparisonDetails: details,
		Matched:           matched,
	}
}
