package invoice

import (
	"context"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"
	"go.etcd.io/bbolt"

	"github.com/zombor/invoice-dedup/internal/dedup"
)

func testInvoice(id, vendor, amount string, invoiceDate, created time.Time) *Invoice {
	return &Invoice{
		Document: dedup.Document{
			ID:          id,
			ContentHash: "hash-" + id,
			Size:        100,
			Filename:    id + ".pdf",
			MimeType:    "application/pdf",
			VendorID:    vendor,
			Metadata: dedup.Metadata{
				InvoiceNumber: "INV-" + id,
				TotalAmount:   decimal.NewNullDecimal(decimal.RequireFromString(amount)),
				InvoiceDate:   &invoiceDate,
			},
			CreatedAt: created,
		},
		StoragePath: "ab/" + id + ".pdf",
		UpdatedAt:   created,
	}
}

func testDuplicate(docID, origID, vendor string, conf float64, detected time.Time) dedup.DuplicateRecord {
	return dedup.DuplicateRecord{
		ID:               dedup.DuplicateRecordID(docID, origID),
		DocumentID:       docID,
		OriginalRecordID: origID,
		VendorID:         vendor,
		Strategy:         dedup.StrategyBusinessRule,
		Confidence:       conf,
		MatchCriteria:    []string{"vendor_id"},
		Status:           dedup.StatusDetected,
		DetectedAt:       detected,
	}
}

var _ = Describe("BoltDB", func() {
	var (
		ctx    context.Context
		tmpDir string
		dbPath string
		db     *BoltDB
		base   time.Time
	)

	BeforeEach(func() {
		ctx = context.Background()
		tmpDir = GinkgoT().TempDir()
		dbPath = filepath.Join(tmpDir, "test.db")
		base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
		var err error
		db, err = NewBoltDB(dbPath)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		if db != nil {
			db.Close()
		}
	})

	Describe("SaveInvoice and GetInvoice", func() {
		var (
			invoiceID string
			inv       *Invoice
			err       error
		)

		BeforeEach(func() {
			invoiceID = "inv-1"
			Expect(db.SaveInvoice(ctx, testInvoice("inv-1", "acme", "12400.00", base, base))).To(Succeed())
		})

		JustBeforeEach(func() {
			inv, err = db.GetInvoice(ctx, invoiceID)
		})

		When("the invoice exists", func() {
			It("should not return an error", func() {
				Expect(err).NotTo(HaveOccurred())
			})

			It("should round-trip the document", func() {
				Expect(inv.ID).To(Equal("inv-1"))
				Expect(inv.VendorID).To(Equal("acme"))
				Expect(inv.Metadata.TotalAmount.Decimal.Equal(decimal.RequireFromString("12400"))).To(BeTrue())
				Expect(inv.Metadata.InvoiceDate.Equal(base)).To(BeTrue())
				Expect(inv.StoragePath).To(Equal("ab/inv-1.pdf"))
			})
		})

		When("only the text is updated", func() {
			BeforeEach(func() {
				Expect(db.SaveInvoiceText(ctx, "inv-1", "ACME invoice text")).To(Succeed())
			})

			It("stores the text and keeps the rest of the invoice", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(inv.Text).To(Equal("ACME invoice text"))
				Expect(inv.TextExtracted).To(BeTrue())
				Expect(inv.VendorID).To(Equal("acme"))
				Expect(inv.StoragePath).To(Equal("ab/inv-1.pdf"))

				recs, findErr := db.FindByContentHash(ctx, "hash-inv-1", "")
				Expect(findErr).NotTo(HaveOccurred())
				Expect(recs).To(HaveLen(1))
				Expect(recs[0].Text).To(Equal("ACME invoice text"))
			})

			It("reports unknown invoices", func() {
				Expect(db.SaveInvoiceText(ctx, "nonexistent", "x")).To(MatchError(ErrNotFound))
			})
		})

		When("the invoice does not exist", func() {
			BeforeEach(func() {
				invoiceID = "nonexistent"
			})

			It("returns ErrNotFound", func() {
				Expect(err).To(MatchError(ErrNotFound))
			})
		})

		When("the invoice is saved again with a new vendor", func() {
			BeforeEach(func() {
				updated := testInvoice("inv-1", "globex", "12400.00", base, base)
				Expect(db.SaveInvoice(ctx, updated)).To(Succeed())
			})

			It("moves the vendor index entry", func() {
				Expect(err).NotTo(HaveOccurred())
				q := dedup.VendorQuery{
					MinAmount: decimal.Zero, MaxAmount: decimal.NewFromInt(1000000),
					DateFrom: base.AddDate(0, 0, -1), DateTo: base.AddDate(0, 0, 1),
				}
				q.VendorID = "acme"
				old, qErr := db.FindVendorInvoices(ctx, q)
				Expect(qErr).NotTo(HaveOccurred())
				Expect(old).To(BeEmpty())

				q.VendorID = "globex"
				moved, qErr := db.FindVendorInvoices(ctx, q)
				Expect(qErr).NotTo(HaveOccurred())
				Expect(moved).To(HaveLen(1))
			})
		})
	})

	Describe("ListInvoices", func() {
		When("invoices exist", func() {
			BeforeEach(func() {
				Expect(db.SaveInvoice(ctx, testInvoice("old", "acme", "10", base, base))).To(Succeed())
				Expect(db.SaveInvoice(ctx, testInvoice("new", "acme", "10", base, base.Add(time.Hour)))).To(Succeed())
			})

			It("returns them newest first", func() {
				invoices, err := db.ListInvoices(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(invoices).To(HaveLen(2))
				Expect(invoices[0].ID).To(Equal("new"))
				Expect(invoices[1].ID).To(Equal("old"))
			})
		})

		When("no invoices exist", func() {
			It("returns an empty list", func() {
				invoices, err := db.ListInvoices(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(invoices).To(BeEmpty())
			})
		})
	})

	Describe("history queries", func() {
		BeforeEach(func() {
			a := testInvoice("a", "acme", "12400.00", base, base)
			b := testInvoice("b", "acme", "12500.00", base.AddDate(0, 0, 3), base.Add(2*time.Hour))
			b.ContentHash = a.ContentHash
			c := testInvoice("c", "acme", "99000.00", base, base.Add(4*time.Hour))
			d := testInvoice("d", "globex", "12400.00", base, base.Add(6*time.Hour))
			d.MimeType = "image/png"
			for _, inv := range []*Invoice{a, b, c, d} {
				Expect(db.SaveInvoice(ctx, inv)).To(Succeed())
			}
		})

		It("finds identical hashes excluding the document itself", func() {
			recs, err := db.FindByContentHash(ctx, "hash-a", "a")
			Expect(err).NotTo(HaveOccurred())
			Expect(recs).To(HaveLen(1))
			Expect(recs[0].ID).To(Equal("b"))
			Expect(recs[0].InvoiceID).To(Equal("b"))
		})

		It("finds vendor invoices inside the amount and date bands", func() {
			recs, err := db.FindVendorInvoices(ctx, dedup.VendorQuery{
				VendorID:  "acme",
				MinAmount: decimal.NewFromInt(11000),
				MaxAmount: decimal.NewFromInt(13000),
				DateFrom:  base.AddDate(0, 0, -7),
				DateTo:    base.AddDate(0, 0, 7),
				ExcludeID: "a",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(recs).To(HaveLen(1))
			Expect(recs[0].ID).To(Equal("b"))
		})

		It("honours the vendor query limit", func() {
			recs, err := db.FindVendorInvoices(ctx, dedup.VendorQuery{
				VendorID:  "acme",
				MinAmount: decimal.Zero,
				MaxAmount: decimal.NewFromInt(1000000),
				DateFrom:  base.AddDate(0, 0, -7),
				DateTo:    base.AddDate(0, 0, 7),
				Limit:     2,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(recs).To(HaveLen(2))
		})

		It("finds invoices created inside a window, newest first", func() {
			recs, err := db.FindCreatedBetween(ctx, base.Add(time.Hour), base.Add(4*time.Hour), "", 0)
			Expect(err).NotTo(HaveOccurred())
			ids := []string{}
			for _, r := range recs {
				ids = append(ids, r.ID)
			}
			Expect(ids).To(Equal([]string{"c", "b"}))
		})

		It("excludes the document and honours the limit in windows", func() {
			recs, err := db.FindCreatedBetween(ctx, base, base.Add(6*time.Hour), "d", 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(recs).To(HaveLen(1))
			Expect(recs[0].ID).To(Equal("c"))
		})

		It("finds recent invoices of a mime type", func() {
			recs, err := db.FindRecentByMimeType(ctx, "application/pdf", base.Add(time.Hour), "", 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(recs).To(HaveLen(2))
			Expect(recs[0].ID).To(Equal("c"))
			Expect(recs[1].ID).To(Equal("b"))
		})
	})

	Describe("SaveDuplicates", func() {
		var rec dedup.DuplicateRecord

		BeforeEach(func() {
			rec = testDuplicate("new", "orig", "acme", 0.9, base)
			Expect(db.SaveDuplicates(ctx, []dedup.DuplicateRecord{rec})).To(Succeed())
		})

		It("stores the records", func() {
			recs, err := db.ListDuplicates(ctx, dedup.GroupFilter{})
			Expect(err).NotTo(HaveOccurred())
			Expect(recs).To(HaveLen(1))
			Expect(recs[0].ID).To(Equal(rec.ID))
		})

		It("overwrites detected records with the same ID", func() {
			rec.Confidence = 0.95
			Expect(db.SaveDuplicates(ctx, []dedup.DuplicateRecord{rec})).To(Succeed())
			recs, err := db.ListDuplicates(ctx, dedup.GroupFilter{})
			Expect(err).NotTo(HaveOccurred())
			Expect(recs).To(HaveLen(1))
			Expect(recs[0].Confidence).To(Equal(0.95))
		})

		It("leaves resolved records untouched", func() {
			_, err := db.ResolveGroup(ctx, "orig", dedup.Resolution{Action: dedup.ActionAutoIgnore, Actor: "alice", At: base})
			Expect(err).NotTo(HaveOccurred())

			rec.Confidence = 0.5
			Expect(db.SaveDuplicates(ctx, []dedup.DuplicateRecord{rec})).To(Succeed())

			recs, err := db.ListDuplicates(ctx, dedup.GroupFilter{})
			Expect(err).NotTo(HaveOccurred())
			Expect(recs[0].Status).To(Equal(dedup.StatusResolved))
			Expect(recs[0].Confidence).To(Equal(0.9))
		})

		It("counts vendor duplicates", func() {
			Expect(db.SaveDuplicates(ctx, []dedup.DuplicateRecord{testDuplicate("other", "orig", "acme", 0.8, base)})).To(Succeed())
			n, err := db.CountVendorDuplicates(ctx, "acme", "")
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(2))
		})

		It("leaves the excluded document out of the vendor count", func() {
			Expect(db.SaveDuplicates(ctx, []dedup.DuplicateRecord{testDuplicate("other", "orig", "acme", 0.8, base)})).To(Succeed())
			n, err := db.CountVendorDuplicates(ctx, "acme", "new")
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(1))
		})
	})

	Describe("ListDuplicates", func() {
		BeforeEach(func() {
			older := testDuplicate("d1", "o1", "acme", 0.8, base)
			newer := testDuplicate("d2", "o1", "acme", 0.97, base.Add(time.Hour))
			newer.RequiresHumanReview = true
			other := testDuplicate("d3", "o2", "globex", 0.99, base.Add(2*time.Hour))
			Expect(db.SaveDuplicates(ctx, []dedup.DuplicateRecord{older, newer, other})).To(Succeed())
		})

		It("returns records newest first", func() {
			recs, err := db.ListDuplicates(ctx, dedup.GroupFilter{})
			Expect(err).NotTo(HaveOccurred())
			Expect(recs).To(HaveLen(3))
			Expect(recs[0].DocumentID).To(Equal("d3"))
			Expect(recs[2].DocumentID).To(Equal("d1"))
		})

		It("applies the record filter", func() {
			review := true
			recs, err := db.ListDuplicates(ctx, dedup.GroupFilter{VendorID: "acme", MinConfidence: 0.9, RequiresReview: &review})
			Expect(err).NotTo(HaveOccurred())
			Expect(recs).To(HaveLen(1))
			Expect(recs[0].DocumentID).To(Equal("d2"))
		})
	})

	Describe("ResolveGroup", func() {
		var (
			groupID string
			res     dedup.Resolution
			n       int
			err     error
		)

		BeforeEach(func() {
			groupID = "o1"
			res = dedup.Resolution{Action: dedup.ActionArchiveExisting, Actor: "alice", Notes: "paid twice", At: base.Add(time.Hour)}
			Expect(db.SaveDuplicates(ctx, []dedup.DuplicateRecord{
				testDuplicate("d1", "o1", "acme", 0.8, base),
				testDuplicate("d2", "o1", "acme", 0.9, base),
				testDuplicate("d3", "o2", "acme", 0.9, base),
			})).To(Succeed())
		})

		JustBeforeEach(func() {
			n, err = db.ResolveGroup(ctx, groupID, res)
		})

		When("the group exists", func() {
			It("resolves every record of the group", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(n).To(Equal(2))

				recs, listErr := db.ListDuplicates(ctx, dedup.GroupFilter{Status: dedup.StatusResolved})
				Expect(listErr).NotTo(HaveOccurred())
				Expect(recs).To(HaveLen(2))
				for _, r := range recs {
					Expect(r.OriginalRecordID).To(Equal("o1"))
					Expect(r.ResolutionAction).To(Equal(dedup.ActionArchiveExisting))
					Expect(r.ResolvedBy).To(Equal("alice"))
					Expect(r.ResolutionNotes).To(Equal("paid twice"))
					Expect(r.ResolvedAt.Equal(res.At)).To(BeTrue())
				}
			})

			It("leaves other groups alone", func() {
				recs, listErr := db.ListDuplicates(ctx, dedup.GroupFilter{Status: dedup.StatusDetected})
				Expect(listErr).NotTo(HaveOccurred())
				Expect(recs).To(HaveLen(1))
				Expect(recs[0].OriginalRecordID).To(Equal("o2"))
			})
		})

		When("the group is already resolved", func() {
			BeforeEach(func() {
				_, err := db.ResolveGroup(ctx, "o1", dedup.Resolution{Action: dedup.ActionAutoIgnore, Actor: "bob", At: base})
				Expect(err).NotTo(HaveOccurred())
			})

			It("returns ErrAlreadyResolved and keeps the first resolution", func() {
				Expect(err).To(MatchError(dedup.ErrAlreadyResolved))
				Expect(n).To(BeZero())

				recs, listErr := db.ListDuplicates(ctx, dedup.GroupFilter{Status: dedup.StatusResolved})
				Expect(listErr).NotTo(HaveOccurred())
				Expect(recs).To(HaveLen(2))
				for _, r := range recs {
					Expect(r.ResolvedBy).To(Equal("bob"))
					Expect(r.ResolutionAction).To(Equal(dedup.ActionAutoIgnore))
				}
			})
		})

		When("the group gained a detection after it was resolved", func() {
			BeforeEach(func() {
				_, err := db.ResolveGroup(ctx, "o1", dedup.Resolution{Action: dedup.ActionAutoIgnore, Actor: "bob", At: base})
				Expect(err).NotTo(HaveOccurred())
				Expect(db.SaveDuplicates(ctx, []dedup.DuplicateRecord{testDuplicate("d4", "o1", "acme", 0.7, base)})).To(Succeed())
			})

			It("resolves the whole group again", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(n).To(Equal(3))
			})
		})

		When("the group does not exist", func() {
			BeforeEach(func() {
				groupID = "missing"
			})

			It("returns ErrGroupNotFound", func() {
				Expect(err).To(MatchError(dedup.ErrGroupNotFound))
				Expect(n).To(BeZero())
			})
		})

		When("one record of the group cannot be updated", func() {
			BeforeEach(func() {
				Expect(db.db.Update(func(tx *bbolt.Tx) error {
					return tx.Bucket([]byte(duplicatesBucket)).Put([]byte(dedup.DuplicateRecordID("d2", "o1")), []byte("{not json"))
				})).To(Succeed())
			})

			It("returns the error", func() {
				Expect(err).To(HaveOccurred())
			})

			It("changes no record of the group", func() {
				var data []byte
				Expect(db.db.View(func(tx *bbolt.Tx) error {
					data = append([]byte(nil), tx.Bucket([]byte(duplicatesBucket)).Get([]byte(dedup.DuplicateRecordID("d1", "o1")))...)
					return nil
				})).To(Succeed())
				Expect(string(data)).To(ContainSubstring(`"status":"detected"`))
			})
		})
	})

	Describe("rules", func() {
		It("returns nothing before rules are saved", func() {
			rules, err := db.ListRules(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(rules).To(BeEmpty())
		})

		It("round-trips the rule set in order", func() {
			rules := dedup.DefaultRules()
			Expect(db.ReplaceRules(ctx, rules)).To(Succeed())
			loaded, err := db.ListRules(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(loaded).To(HaveLen(len(rules)))
			for i := range rules {
				Expect(loaded[i].ID).To(Equal(rules[i].ID))
				Expect(loaded[i].Strategy).To(Equal(rules[i].Strategy))
			}
		})
	})
})
