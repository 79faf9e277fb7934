package dedup

import (
	"context"
	"fmt"
)

// ExactHashDetector reports every historical record with an identical content hash
type ExactHashDetector struct {
	History HistoryReader
}

func (d *ExactHashDetector) Strategy() Strategy { return StrategyExactHash }

// Detect is a pure query. A content-identical file is a certain duplicate, so every match scores 1.0.
func (d *ExactHashDetector) Detect(ctx context.Context, doc Document, _ []byte, _ DetectionRule) ([]Candidate, error) {
	if doc.ContentHash == "" {
		return nil, nil
	}
	recs, err := d.History.FindByContentHash(ctx, doc.ContentHash, doc.ID)
	if err != nil {
		return nil, fmt.Errorf("finding records by hash: %w", err)
	}

	cands := make([]Candidate, 0, len(recs))
	for _, rec := range recs {
		matched := rec
		cands = append(cands, Candidate{
			MatchingRecordID: rec.ID,
			Strategy:         StrategyExactHash,
			Confidence:       1.0,
			Similarity:       floatPtr(1.0),
			MatchCriteria:    []string{"content_hash"},
			ComparisonDetails: map[string]any{
				"content_hash":     doc.ContentHash,
				"file_size":        rec.Size,
				"matched_filename": rec.Filename,
			},
			Matched: &matched,
		})
	}
	return cands, nil
}
