package dedup

import (
	"context"
	"fmt"
	"math"
)

const (
	temporalVendorBoost    = 0.2
	temporalSizeBoost      = 0.1
	temporalExtensionBoost = 0.1
	similarSizeRatio       = 0.1
)

// TemporalDetector flags documents uploaded shortly before the incoming one, whatever their content
type TemporalDetector struct {
	History HistoryReader
}

func (d *TemporalDetector) Strategy() Strategy { return StrategyTemporal }

func (d *TemporalDetector) Detect(ctx context.Context, doc Document, _ []byte, rule DetectionRule) ([]Candidate, error) {
	cfg := rule.Config
	window := cfg.timeWindow()
	recs, err := d.History.FindCreatedBetween(ctx, doc.CreatedAt.Add(-window), doc.CreatedAt, doc.ID, cfg.maxComparisons(defaultQueryLimit))
	if err != nil {
		return nil, fmt.Errorf("finding records in window: %w", err)
	}

	threshold := cfg.threshold(defaultTemporalThreshold)
	ext := doc.Extension()
	var cands []Candidate
	for _, rec := range recs {
		elapsed := doc.CreatedAt.Sub(rec.CreatedAt)
		if elapsed < 0 || elapsed > window {
			continue
		}
		base := 1 - elapsed.Seconds()/window.Seconds()
		conf := base
		criteria := []string{"created_within_window"}
		if doc.VendorID != "" && doc.VendorID == rec.VendorID {
			conf += temporalVendorBoost
			criteria = append(criteria, "vendor_id")
		}
		if similarSize(doc.Size, rec.Size) {
			conf += temporalSizeBoost
			criteria = append(criteria, "file_size")
		}
		if ext != "" && ext == rec.Extension() {
			conf += temporalExtensionBoost
			criteria = append(criteria, "file_extension")
		}
		conf = math.Min(conf, 1.0)
		if conf < threshold {
			continue
		}

		matched := rec
		cands = append(cands, Candidate{
			MatchingRecordID: rec.ID,
			Strategy:         StrategyTemporal,
			Confidence:       conf,
			MatchCriteria:    criteria,
			ComparisonDetails: map[string]any{
				"elapsed_seconds": elapsed.Seconds(),
				"window_seconds":  window.Seconds(),
				"base_confidence": base,
				"size_difference": doc.Size - rec.Size,
				"time_window":     window.String(),
			},
			Matched: &matched,
		})
	}
	return cands, nil
}

func similarSize(a, b int64) bool {
	if a <= 0 || b <= 0 {
		return false
	}
	larger := math.Max(float64(a), float64(b))
	return math.Abs(float64(a-b))/larger <= similarSizeRatio
}
