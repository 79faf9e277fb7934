package dedup

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// DefaultReviewThreshold is the confidence below which a duplicate needs a human decision
const DefaultReviewThreshold = 0.95

// Aggregate merges the candidates of every rule run, keeping the highest-confidence candidate
// per matching record. Results are expected in rule priority order, which breaks ties.
// The output is ranked by confidence, descending.
func Aggregate(results []DetectionResult) []Candidate {
	best := make(map[string]int)
	var out []Candidate
	for _, res := range results {
		for _, c := range res.Candidates {
			i, ok := best[c.MatchingRecordID]
			if !ok {
				best[c.MatchingRecordID] = len(out)
				out = append(out, c)
				continue
			}
			if c.Confidence > out[i].Confidence {
				out[i] = c
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	return out
}

// DuplicateRecordID derives a stable record ID so re-analysing a document updates rather than repeats it
func DuplicateRecordID(documentID, originalID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(documentID+"/"+originalID)).String()
}

// NewDuplicateRecords builds the persisted form of ranked candidates
func NewDuplicateRecords(doc Document, cands []Candidate, reviewThreshold float64, now time.Time) []DuplicateRecord {
	records := make([]DuplicateRecord, 0, len(cands))
	for _, c := range cands {
		records = append(records, DuplicateRecord{
			ID:                  DuplicateRecordID(doc.ID, c.MatchingRecordID),
			DocumentID:          doc.ID,
			OriginalRecordID:    c.MatchingRecordID,
			VendorID:            doc.VendorID,
			Strategy:            c.Strategy,
			RuleID:              c.RuleID,
			Confidence:          c.Confidence,
			Similarity:          c.Similarity,
			MatchCriteria:       c.MatchCriteria,
			ComparisonDetails:   c.ComparisonDetails,
			WorkingCapital:      c.WorkingCapital,
			RequiresHumanReview: c.Confidence < reviewThreshold,
			Status:              StatusDetected,
			DetectedAt:          now,
		})
	}
	return records
}

// GroupRecords builds duplicate groups keyed by original record, highest confidence first
func GroupRecords(records []DuplicateRecord) []DuplicateGroup {
	index := make(map[string]int)
	var groups []DuplicateGroup
	for _, r := range records {
		i, ok := index[r.OriginalRecordID]
		if !ok {
			i = len(groups)
			index[r.OriginalRecordID] = i
			groups = append(groups, DuplicateGroup{GroupID: r.OriginalRecordID, Status: StatusResolved})
		}
		g := &groups[i]
		g.Records = append(g.Records, r)
		if r.Confidence > g.MaxConfidence {
			g.MaxConfidence = r.Confidence
		}
		if r.Status != StatusResolved {
			g.Status = StatusDetected
		}
		if r.RequiresHumanReview && r.Status == StatusDetected {
			g.RequiresHumanReview = true
		}
		if r.WorkingCapital != nil {
			g.WorkingCapitalAtRisk = g.WorkingCapitalAtRisk.Add(r.WorkingCapital.WorkingCapitalTied)
		}
		if !containsStrategy(g.Strategies, r.Strategy) {
			g.Strategies = append(g.Strategies, r.Strategy)
		}
		if r.DetectedAt.After(g.LatestDetectedAt) {
			g.LatestDetectedAt = r.DetectedAt
		}
	}
	for i := range groups {
		sort.SliceStable(groups[i].Records, func(a, b int) bool {
			return groups[i].Records[a].Confidence > groups[i].Records[b].Confidence
		})
	}
	sort.SliceStable(groups, func(i, j int) bool {
		if groups[i].MaxConfidence != groups[j].MaxConfidence {
			return groups[i].MaxConfidence > groups[j].MaxConfidence
		}
		return groups[i].LatestDetectedAt.After(groups[j].LatestDetectedAt)
	})
	return groups
}

func containsStrategy(list []Strategy, s Strategy) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
