package dedup

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Engine", func() {
	var (
		ctx       context.Context
		now       time.Time
		store     *memStore
		rules     *RuleStore
		exact     *stubDetector
		temporal  *stubDetector
		composite *stubDetector
		engine    *Engine
		doc       Document
	)

	BeforeEach(func() {
		ctx = context.Background()
		now = time.Date(2024, 3, 12, 9, 0, 0, 0, time.UTC)
		store = newMemStore()
		store.rules = []DetectionRule{
			{ID: "hash", Name: "hash", Strategy: StrategyExactHash, Priority: 10, Active: true},
			{ID: "time", Name: "time", Strategy: StrategyTemporal, Priority: 6, Active: true},
		}
		rules = NewRuleStore(store)
		Expect(rules.Load(ctx)).To(Succeed())

		exact = &stubDetector{strategy: StrategyExactHash}
		temporal = &stubDetector{strategy: StrategyTemporal}
		composite = &stubDetector{strategy: StrategyComposite}
		doc = Document{ID: "doc-new", VendorID: "acme", Metadata: Metadata{TotalAmount: amount("5000.00")}, CreatedAt: now}
	})

	JustBeforeEach(func() {
		reg := Registry{
			StrategyExactHash: exact,
			StrategyTemporal:  temporal,
			StrategyComposite: composite,
		}
		engine = NewEngineWithDeps(rules, reg, store, DefaultConfig(), func() time.Time { return now })
	})

	Describe("AnalyzeForDuplicates", func() {
		var (
			cands []Candidate
			err   error
		)

		JustBeforeEach(func() {
			cands, err = engine.AnalyzeForDuplicates(ctx, doc, nil)
		})

		When("several rules find the same record", func() {
			BeforeEach(func() {
				exact.cands = []Candidate{cand("r1", 1.0)}
				temporal.cands = []Candidate{cand("r1", 0.7), cand("r2", 0.65)}
			})

			It("keeps the highest confidence per record, ranked", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(cands).To(HaveLen(2))
				Expect(cands[0].MatchingRecordID).To(Equal("r1"))
				Expect(cands[0].Strategy).To(Equal(StrategyExactHash))
				Expect(cands[0].RuleID).To(Equal("hash"))
				Expect(cands[1].MatchingRecordID).To(Equal("r2"))
			})

			It("persists one record per candidate in a single write", func() {
				Expect(store.saveCalls).To(Equal(1))
				Expect(store.duplicates).To(HaveLen(2))
			})

			It("flags low-confidence records for review", func() {
				r1 := store.duplicates[DuplicateRecordID("doc-new", "r1")]
				r2 := store.duplicates[DuplicateRecordID("doc-new", "r2")]
				Expect(r1.RequiresHumanReview).To(BeFalse())
				Expect(r2.RequiresHumanReview).To(BeTrue())
				Expect(r2.Status).To(Equal(StatusDetected))
				Expect(r2.OriginalRecordID).To(Equal("r2"))
				Expect(r2.DetectedAt).To(Equal(now))
			})

			It("is idempotent on re-analysis", func() {
				_, err := engine.AnalyzeForDuplicates(ctx, doc, nil)
				Expect(err).NotTo(HaveOccurred())
				Expect(store.duplicates).To(HaveLen(2))
			})
		})

		When("one detector fails", func() {
			BeforeEach(func() {
				exact.err = errors.New("index corrupt")
				temporal.cands = []Candidate{cand("r2", 0.65)}
			})

			It("still returns the other detectors' candidates", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(cands).To(HaveLen(1))
				Expect(cands[0].MatchingRecordID).To(Equal("r2"))
			})
		})

		When("nothing matches", func() {
			It("returns an empty result without writing", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(cands).To(BeEmpty())
				Expect(store.saveCalls).To(BeZero())
			})
		})

		When("persisting fails", func() {
			BeforeEach(func() {
				exact.cands = []Candidate{cand("r1", 1.0)}
				store.saveErr = errors.New("disk full")
			})

			It("returns an AggregationFailure", func() {
				var aggErr *AggregationFailure
				Expect(errors.As(err, &aggErr)).To(BeTrue())
				Expect(aggErr.DocumentID).To(Equal("doc-new"))
				Expect(err).To(MatchError(ContainSubstring("disk full")))
				Expect(cands).To(BeNil())
			})
		})

		When("a composite rule runs", func() {
			BeforeEach(func() {
				Expect(rules.Replace(ctx, []DetectionRule{
					{ID: "combo", Name: "combo", Strategy: StrategyComposite, Priority: 9, Active: true},
				})).To(Succeed())
				composite.cands = []Candidate{cand("r1", 0.9)}
			})

			It("attaches a working-capital analysis", func() {
				Expect(cands).To(HaveLen(1))
				Expect(cands[0].WorkingCapital).NotTo(BeNil())
				Expect(cands[0].Confidence).To(Equal(cands[0].WorkingCapital.AdjustedConfidence))
			})

			When("the invoice is too small to matter", func() {
				BeforeEach(func() {
					doc.Metadata.TotalAmount = amount("250.00")
				})

				It("drops the candidate", func() {
					Expect(cands).To(BeEmpty())
				})
			})

			When("the rule skips working capital", func() {
				BeforeEach(func() {
					Expect(rules.Replace(ctx, []DetectionRule{
						{ID: "combo", Name: "combo", Strategy: StrategyComposite, Priority: 9, Active: true, Config: RuleConfig{SkipWorkingCapital: true}},
					})).To(Succeed())
				})

				It("keeps the raw composite confidence", func() {
					Expect(cands).To(HaveLen(1))
					Expect(cands[0].WorkingCapital).To(BeNil())
					Expect(cands[0].Confidence).To(Equal(0.9))
				})
			})
		})
	})

	Describe("GetDuplicateGroups", func() {
		BeforeEach(func() {
			exact.cands = []Candidate{cand("orig-a", 1.0)}
			temporal.cands = []Candidate{cand("orig-b", 0.7)}
		})

		JustBeforeEach(func() {
			_, err := engine.AnalyzeForDuplicates(ctx, doc, nil)
			Expect(err).NotTo(HaveOccurred())
			second := doc
			second.ID = "doc-second"
			second.VendorID = "globex"
			_, err = engine.AnalyzeForDuplicates(ctx, second, nil)
			Expect(err).NotTo(HaveOccurred())
		})

		It("groups records by original record, highest confidence first", func() {
			groups, err := engine.GetDuplicateGroups(ctx, GroupFilter{})
			Expect(err).NotTo(HaveOccurred())
			Expect(groups).To(HaveLen(2))
			Expect(groups[0].GroupID).To(Equal("orig-a"))
			Expect(groups[0].Records).To(HaveLen(2))
			Expect(groups[0].MaxConfidence).To(Equal(1.0))
			Expect(groups[0].Status).To(Equal(StatusDetected))
			Expect(groups[1].RequiresHumanReview).To(BeTrue())
		})

		It("applies filters and limits", func() {
			groups, err := engine.GetDuplicateGroups(ctx, GroupFilter{VendorID: "globex", MinConfidence: 0.9})
			Expect(err).NotTo(HaveOccurred())
			Expect(groups).To(HaveLen(1))
			Expect(groups[0].Records).To(HaveLen(1))
			Expect(groups[0].Records[0].DocumentID).To(Equal("doc-second"))

			groups, err = engine.GetDuplicateGroups(ctx, GroupFilter{Limit: 1})
			Expect(err).NotTo(HaveOccurred())
			Expect(groups).To(HaveLen(1))
		})

		It("wraps store errors", func() {
			store.listErr = errors.New("closed")
			_, err := engine.GetDuplicateGroups(ctx, GroupFilter{})
			Expect(err).To(MatchError(ContainSubstring("closed")))
		})
	})

	Describe("ResolveDuplicateGroup", func() {
		var (
			action ResolutionAction
			actor  string
			err    error
		)

		BeforeEach(func() {
			exact.cands = []Candidate{cand("orig-a", 1.0)}
			action = ActionAutoIgnore
			actor = "reviewer@example.com"
		})

		JustBeforeEach(func() {
			_, analyzeErr := engine.AnalyzeForDuplicates(ctx, doc, nil)
			Expect(analyzeErr).NotTo(HaveOccurred())
			err = engine.ResolveDuplicateGroup(ctx, "orig-a", action, actor, "same invoice emailed twice")
		})

		It("resolves every record of the group", func() {
			Expect(err).NotTo(HaveOccurred())
			rec := store.duplicates[DuplicateRecordID("doc-new", "orig-a")]
			Expect(rec.Status).To(Equal(StatusResolved))
			Expect(rec.ResolutionAction).To(Equal(ActionAutoIgnore))
			Expect(rec.ResolvedBy).To(Equal("reviewer@example.com"))
			Expect(rec.ResolutionNotes).To(Equal("same invoice emailed twice"))
			Expect(*rec.ResolvedAt).To(Equal(now))
		})

		It("does not reopen resolved records on re-analysis", func() {
			_, analyzeErr := engine.AnalyzeForDuplicates(ctx, doc, nil)
			Expect(analyzeErr).NotTo(HaveOccurred())
			rec := store.duplicates[DuplicateRecordID("doc-new", "orig-a")]
			Expect(rec.Status).To(Equal(StatusResolved))
		})

		It("refuses to resolve the group a second time", func() {
			again := engine.ResolveDuplicateGroup(ctx, "orig-a", ActionAutoMerge, "someone-else", "")
			Expect(again).To(MatchError(ErrAlreadyResolved))
			rec := store.duplicates[DuplicateRecordID("doc-new", "orig-a")]
			Expect(rec.ResolvedBy).To(Equal("reviewer@example.com"))
			Expect(rec.ResolutionAction).To(Equal(ActionAutoIgnore))
		})

		When("the action is unknown", func() {
			BeforeEach(func() {
				action = "shred"
			})

			It("returns a ResolutionFailure and changes nothing", func() {
				var resErr *ResolutionFailure
				Expect(errors.As(err, &resErr)).To(BeTrue())
				Expect(err).To(MatchError(ErrInvalidAction))
				rec := store.duplicates[DuplicateRecordID("doc-new", "orig-a")]
				Expect(rec.Status).To(Equal(StatusDetected))
			})
		})

		When("the actor is missing", func() {
			BeforeEach(func() {
				actor = ""
			})

			It("is rejected", func() {
				Expect(err).To(MatchError(ErrInvalidAction))
			})
		})

		When("the group does not exist", func() {
			It("reports ErrGroupNotFound", func() {
				err := engine.ResolveDuplicateGroup(ctx, "missing", ActionAutoMerge, "bob", "")
				var resErr *ResolutionFailure
				Expect(errors.As(err, &resErr)).To(BeTrue())
				Expect(resErr.GroupID).To(Equal("missing"))
				Expect(err).To(MatchError(ErrGroupNotFound))
			})
		})
	})

	Describe("UpdateDeduplicationRules", func() {
		It("replaces the rule set", func() {
			err := engine.UpdateDeduplicationRules(ctx, []DetectionRule{
				{ID: "only", Name: "only", Strategy: StrategyFuzzy, Priority: 3, Active: true},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(engine.Rules()).To(HaveLen(1))
			Expect(engine.Rules()[0].ID).To(Equal("only"))
		})

		It("rejects invalid rules and keeps the old set", func() {
			err := engine.UpdateDeduplicationRules(ctx, []DetectionRule{
				{ID: "bad", Name: "bad", Strategy: StrategyFuzzy, Priority: 42},
			})
			var cfgErr *ConfigurationError
			Expect(errors.As(err, &cfgErr)).To(BeTrue())
			Expect(engine.Rules()).To(HaveLen(2))
		})
	})

	Describe("Aggregate", func() {
		It("prefers the earlier rule on equal confidence", func() {
			out := Aggregate([]DetectionResult{
				{Candidates: []Candidate{{MatchingRecordID: "x", Strategy: StrategyExactHash, Confidence: 0.9}}},
				{Candidates: []Candidate{{MatchingRecordID: "x", Strategy: StrategyTemporal, Confidence: 0.9}}},
			})
			Expect(out).To(HaveLen(1))
			Expect(out[0].Strategy).To(Equal(StrategyExactHash))
		})
	})
})
