package dedup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ErrTextUnavailable is returned when no text extractor is configured
var ErrTextUnavailable = errors.New("text extraction unavailable")

// TextSource supplies document text for fuzzy matching
type TextSource interface {
	// DocumentText returns the text of the document under analysis. content is its raw file
	// and is only read when no text is known for the document yet.
	DocumentText(ctx context.Context, doc Document, content []byte) (string, error)
	// RecordText returns the text of a stored record that has none cached
	RecordText(ctx context.Context, rec HistoricalRecord) (string, error)
}

// FuzzyDetector compares document text against recent documents of the same type.
// It is the fallback when structured fields were not extracted reliably.
type FuzzyDetector struct {
	History HistoryReader
	Text    TextSource
}

func (d *FuzzyDetector) Strategy() Strategy { return StrategyFuzzy }

func (d *FuzzyDetector) Detect(ctx context.Context, doc Document, content []byte, rule DetectionRule) ([]Candidate, error) {
	if d.Text == nil {
		return nil, ErrTextUnavailable
	}
	text, err := d.Text.DocumentText(ctx, doc, content)
	if err != nil {
		return nil, fmt.Errorf("extracting text: %w", err)
	}
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	cfg := rule.Config
	maxLen := cfg.maxTextLength()
	text = truncateRunes(text, maxLen)
	recs, err := d.History.FindRecentByMimeType(ctx, doc.MimeType, doc.CreatedAt.Add(-cfg.lookback()), doc.ID, cfg.maxComparisons(defaultFuzzyComparisons))
	if err != nil {
		return nil, fmt.Errorf("finding recent documents: %w", err)
	}

	threshold := cfg.similarityThreshold()
	var cands []Candidate
	for _, rec := range recs {
		other := rec.Text
		if other == "" {
			other, err = d.Text.RecordText(ctx, rec)
			if err != nil {
				slog.Warn("Skipping record without text",
					"document_id", doc.ID,
					"record_id", rec.ID,
					"error", err,
				)
				continue
			}
		}
		if strings.TrimSpace(other) == "" {
			continue
		}
		other = truncateRunes(other, maxLen)

		sim := SequenceRatio(text, other)
		if sim < threshold {
			continue
		}
		matched := rec
		cands = append(cands, Candidate{
			MatchingRecordID: rec.ID,
			Strategy:         StrategyFuzzy,
			Confidence:       sim,
			Similarity:       floatPtr(sim),
			MatchCriteria:    []string{"document_text"},
			ComparisonDetails: map[string]any{
				"text_similarity":      sim,
				"similarity_threshold": threshold,
				"text_length":          len([]rune(text)),
				"matched_text_length":  len([]rune(other)),
			},
			Matched: &matched,
		})
	}
	return cands, nil
}
