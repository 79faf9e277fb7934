package dedup

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"
)

var _ = Describe("Engine with the standard detectors", func() {
	var (
		ctx    context.Context
		now    time.Time
		store  *memStore
		engine *Engine
		orig   HistoricalRecord
		doc    Document
	)

	BeforeEach(func() {
		ctx = context.Background()
		now = time.Date(2024, 3, 12, 9, 0, 0, 0, time.UTC)
		orig = HistoricalRecord{Document: Document{
			ID:          "orig",
			ContentHash: "hash-orig",
			Size:        1000,
			Filename:    "acme-march.pdf",
			MimeType:    "application/pdf",
			VendorID:    "acme",
			CreatedAt:   now.Add(-time.Hour),
		}}
		doc = Document{
			ID:        "doc",
			Size:      1000,
			Filename:  "acme-march.pdf",
			MimeType:  "application/pdf",
			VendorID:  "acme",
			CreatedAt: now,
		}
	})

	JustBeforeEach(func() {
		store = newMemStore(orig)
		rules := NewRuleStore(store)
		Expect(rules.Load(ctx)).To(Succeed())
		engine = NewEngineWithDeps(rules, NewRegistry(store, nil), store, DefaultConfig(), func() time.Time { return now })
	})

	byStrategy := func(results []DetectionResult) map[Strategy][]Candidate {
		out := make(map[Strategy][]Candidate)
		for _, res := range results {
			out[res.Rule.Strategy] = append(out[res.Rule.Strategy], res.Candidates...)
		}
		return out
	}

	When("the same file is re-submitted with a corrected amount and date", func() {
		BeforeEach(func() {
			orig.Metadata = Metadata{TotalAmount: amount("400000.00"), InvoiceDate: day(2024, 3, 10)}
			doc.ContentHash = orig.ContentHash
			doc.Metadata = Metadata{TotalAmount: amount("402000.00"), InvoiceDate: day(2024, 3, 11)}
		})

		It("scores every strategy against the original", func() {
			found := byStrategy(engine.Detect(ctx, doc, nil))

			Expect(found[StrategyExactHash]).To(HaveLen(1))
			Expect(found[StrategyExactHash][0].Confidence).To(Equal(1.0))

			// amount 1 - 2000/402000, date 1 - 1/3
			Expect(found[StrategyBusinessRule]).To(HaveLen(1))
			Expect(found[StrategyBusinessRule][0].Confidence).To(BeNumerically("~", 0.8308, 1e-3))

			Expect(found[StrategyTemporal]).To(HaveLen(1))
			Expect(found[StrategyTemporal][0].Confidence).To(Equal(1.0))

			Expect(found[StrategyComposite]).To(HaveLen(1))
			composite := found[StrategyComposite][0]
			Expect(composite.WorkingCapital).NotTo(BeNil())
			Expect(composite.WorkingCapital.WorkingCapitalTied.Equal(decimal.NewFromInt(2000))).To(BeTrue())
			Expect(composite.WorkingCapital.OriginalConfidence).To(BeNumerically("~", 0.9436, 1e-3))
			Expect(composite.Confidence).To(BeNumerically("~", 0.7760, 1e-3))
		})

		It("persists the exact match without requiring review", func() {
			cands, err := engine.AnalyzeForDuplicates(ctx, doc, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(cands).To(HaveLen(1))
			Expect(cands[0].Strategy).To(Equal(StrategyExactHash))

			rec := store.duplicates[DuplicateRecordID("doc", "orig")]
			Expect(rec.Strategy).To(Equal(StrategyExactHash))
			Expect(rec.Confidence).To(Equal(1.0))
			Expect(rec.RequiresHumanReview).To(BeFalse())
			Expect(rec.Status).To(Equal(StatusDetected))
		})
	})

	When("the same vendor bills a different amount on the same day", func() {
		BeforeEach(func() {
			orig.Metadata = Metadata{TotalAmount: amount("1000.00"), InvoiceDate: day(2024, 3, 12)}
			doc.ContentHash = "hash-doc"
			doc.Metadata = Metadata{TotalAmount: amount("1200.00"), InvoiceDate: day(2024, 3, 12)}
		})

		It("leaves the business rule silent and boosts the temporal match for the vendor", func() {
			found := byStrategy(engine.Detect(ctx, doc, nil))

			Expect(found[StrategyBusinessRule]).To(BeEmpty())
			Expect(found[StrategyExactHash]).To(BeEmpty())

			Expect(found[StrategyTemporal]).To(HaveLen(1))
			temporal := found[StrategyTemporal][0]
			Expect(temporal.MatchCriteria).To(ContainElement("vendor_id"))
			Expect(temporal.ComparisonDetails["base_confidence"]).To(BeNumerically("<", 1.0))
			Expect(temporal.Confidence).To(Equal(1.0))

			// 200 of tied capital is below the financial impact floor
			Expect(found[StrategyComposite]).To(BeEmpty())
		})

		It("records the temporal match", func() {
			cands, err := engine.AnalyzeForDuplicates(ctx, doc, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(cands).To(HaveLen(1))
			Expect(cands[0].Strategy).To(Equal(StrategyTemporal))
			Expect(store.duplicates[DuplicateRecordID("doc", "orig")].RequiresHumanReview).To(BeFalse())
		})
	})
})
