package invoice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/zombor/invoice-dedup/internal/dedup"
)

const (
	invoicesBucket     = "invoices"
	hashIndexBucket    = "invoices_by_hash"
	vendorIndexBucket  = "invoices_by_vendor"
	createdIndexBucket = "invoices_by_created"
	duplicatesBucket   = "duplicates"
	groupIndexBucket   = "duplicates_by_group"
	dupVendorIdxBucket = "duplicates_by_vendor"
	rulesBucket        = "rules"
	rulesKey           = "current"
	createdKeyLayout   = "2006-01-02T15:04:05.000000000Z"
	indexKeySeparator  = 0x00
)

var allBuckets = []string{
	invoicesBucket,
	hashIndexBucket,
	vendorIndexBucket,
	createdIndexBucket,
	duplicatesBucket,
	groupIndexBucket,
	dupVendorIdxBucket,
	rulesBucket,
}

// DB defines the interface for invoice and duplicate persistence
type DB interface {
	// SaveInvoice inserts or replaces an invoice and its index entries
	SaveInvoice(ctx context.Context, inv *Invoice) error

	// SaveInvoiceText stores the extracted text of an existing invoice, leaving every other field alone
	SaveInvoiceText(ctx context.Context, id, text string) error

	// GetInvoice retrieves an invoice by ID
	GetInvoice(ctx context.Context, id string) (*Invoice, error)

	// ListInvoices returns all invoices, newest first
	ListInvoices(ctx context.Context) ([]*Invoice, error)

	dedup.Store

	// Close closes the database connection
	Close() error
}

// BoltDB implements the DB interface using BoltDB
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB creates a new BoltDB instance
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	// Create buckets if they don't exist
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

func indexKey(prefix, id string) []byte {
	k := make([]byte, 0, len(prefix)+1+len(id))
	k = append(k, prefix...)
	k = append(k, indexKeySeparator)
	return append(k, id...)
}

func indexPrefix(prefix string) []byte {
	return append([]byte(prefix), indexKeySeparator)
}

// idFromIndexKey returns the part after the last separator
func idFromIndexKey(k []byte) string {
	i := bytes.LastIndexByte(k, indexKeySeparator)
	return string(k[i+1:])
}

func createdKey(t time.Time) string {
	return t.UTC().Format(createdKeyLayout)
}

// SaveInvoice saves an invoice and refreshes its index entries
func (b *BoltDB) SaveInvoice(_ context.Context, inv *Invoice) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(invoicesBucket))
		if prev := bucket.Get([]byte(inv.ID)); prev != nil {
			var old Invoice
			if err := json.Unmarshal(prev, &old); err != nil {
				return fmt.Errorf("unmarshaling invoice %s: %w", inv.ID, err)
			}
			if err := deleteIndexes(tx, &old); err != nil {
				return err
			}
		}

		data, err := json.Marshal(inv)
		if err != nil {
			return fmt.Errorf("marshaling invoice: %w", err)
		}
		if err := bucket.Put([]byte(inv.ID), data); err != nil {
			return err
		}
		return putIndexes(tx, inv)
	})
}

// SaveInvoiceText updates only the text of a stored invoice
func (b *BoltDB) SaveInvoiceText(_ context.Context, id, text string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		inv, err := getInvoice(tx, id)
		if err != nil {
			return err
		}
		inv.Text = text
		inv.TextExtracted = true
		data, err := json.Marshal(inv)
		if err != nil {
			return fmt.Errorf("marshaling invoice: %w", err)
		}
		return tx.Bucket([]byte(invoicesBucket)).Put([]byte(id), data)
	})
}

func putIndexes(tx *bbolt.Tx, inv *Invoice) error {
	if inv.ContentHash != "" {
		if err := tx.Bucket([]byte(hashIndexBucket)).Put(indexKey(inv.ContentHash, inv.ID), nil); err != nil {
			return err
		}
	}
	if inv.VendorID != "" {
		if err := tx.Bucket([]byte(vendorIndexBucket)).Put(indexKey(inv.VendorID, inv.ID), nil); err != nil {
			return err
		}
	}
	return tx.Bucket([]byte(createdIndexBucket)).Put(indexKey(createdKey(inv.CreatedAt), inv.ID), nil)
}

func deleteIndexes(tx *bbolt.Tx, inv *Invoice) error {
	if err := tx.Bucket([]byte(hashIndexBucket)).Delete(indexKey(inv.ContentHash, inv.ID)); err != nil {
		return err
	}
	if err := tx.Bucket([]byte(vendorIndexBucket)).Delete(indexKey(inv.VendorID, inv.ID)); err != nil {
		return err
	}
	return tx.Bucket([]byte(createdIndexBucket)).Delete(indexKey(createdKey(inv.CreatedAt), inv.ID))
}

// GetInvoice retrieves an invoice by ID
func (b *BoltDB) GetInvoice(_ context.Context, id string) (*Invoice, error) {
	var inv *Invoice
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		inv, err = getInvoice(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return inv, nil
}

func getInvoice(tx *bbolt.Tx, id string) (*Invoice, error) {
	data := tx.Bucket([]byte(invoicesBucket)).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	var inv Invoice
	if err := json.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("unmarshaling invoice %s: %w", id, err)
	}
	return &inv, nil
}

// ListInvoices returns all invoices, newest first
func (b *BoltDB) ListInvoices(_ context.Context) ([]*Invoice, error) {
	invoices := make([]*Invoice, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(createdIndexBucket)).Cursor()
		for k, _ := c.Last(); k != nil; k, _ = c.Prev() {
			inv, err := getInvoice(tx, idFromIndexKey(k))
			if err != nil {
				return err
			}
			invoices = append(invoices, inv)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return invoices, nil
}

// FindByContentHash returns invoices with an identical content hash
func (b *BoltDB) FindByContentHash(_ context.Context, hash, excludeID string) ([]dedup.HistoricalRecord, error) {
	var out []dedup.HistoricalRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		return scanPrefix(tx, hashIndexBucket, hash, func(id string) (bool, error) {
			if id == excludeID {
				return true, nil
			}
			inv, err := getInvoice(tx, id)
			if err != nil {
				return false, err
			}
			out = append(out, inv.Record())
			return true, nil
		})
	})
	return out, err
}

// FindVendorInvoices returns same-vendor invoices inside the query's amount and date bands
func (b *BoltDB) FindVendorInvoices(_ context.Context, q dedup.VendorQuery) ([]dedup.HistoricalRecord, error) {
	var out []dedup.HistoricalRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		return scanPrefix(tx, vendorIndexBucket, q.VendorID, func(id string) (bool, error) {
			inv, err := getInvoice(tx, id)
			if err != nil {
				return false, err
			}
			if rec := inv.Record(); q.Matches(rec) {
				out = append(out, rec)
			}
			return q.Limit <= 0 || len(out) < q.Limit, nil
		})
	})
	return out, err
}

// FindCreatedBetween returns invoices created in [from, to], newest first
func (b *BoltDB) FindCreatedBetween(_ context.Context, from, to time.Time, excludeID string, limit int) ([]dedup.HistoricalRecord, error) {
	return b.scanCreated(from, to, limit, func(inv *Invoice) bool {
		return inv.ID != excludeID
	})
}

// FindRecentByMimeType returns invoices of mimeType created at or after since, newest first
func (b *BoltDB) FindRecentByMimeType(_ context.Context, mimeType string, since time.Time, excludeID string, limit int) ([]dedup.HistoricalRecord, error) {
	return b.scanCreated(since, time.Time{}, limit, func(inv *Invoice) bool {
		return inv.ID != excludeID && inv.MimeType == mimeType
	})
}

// scanCreated walks the creation index backwards from to down to from. A zero to means no upper bound.
func (b *BoltDB) scanCreated(from, to time.Time, limit int, keep func(*Invoice) bool) ([]dedup.HistoricalRecord, error) {
	var out []dedup.HistoricalRecord
	lower := []byte(createdKey(from))

	err := b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(createdIndexBucket)).Cursor()
		var k []byte
		if to.IsZero() {
			k, _ = c.Last()
		} else if k, _ = c.Seek(append(indexPrefix(createdKey(to)), 0xff)); k == nil {
			k, _ = c.Last()
		} else {
			k, _ = c.Prev()
		}
		for ; k != nil && bytes.Compare(k, lower) >= 0; k, _ = c.Prev() {
			inv, err := getInvoice(tx, idFromIndexKey(k))
			if err != nil {
				return err
			}
			if !keep(inv) {
				continue
			}
			out = append(out, inv.Record())
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

// scanPrefix calls fn with the id of every index entry under prefix until fn returns false
func scanPrefix(tx *bbolt.Tx, bucket, prefix string, fn func(id string) (bool, error)) error {
	p := indexPrefix(prefix)
	c := tx.Bucket([]byte(bucket)).Cursor()
	for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
		more, err := fn(string(k[len(p):]))
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}

// SaveDuplicates writes all records in one transaction, leaving resolved records untouched
func (b *BoltDB) SaveDuplicates(_ context.Context, records []dedup.DuplicateRecord) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(duplicatesBucket))
		for i := range records {
			rec := &records[i]
			if prev := bucket.Get([]byte(rec.ID)); prev != nil {
				var old dedup.DuplicateRecord
				if err := json.Unmarshal(prev, &old); err != nil {
					return fmt.Errorf("unmarshaling duplicate %s: %w", rec.ID, err)
				}
				if old.Status == dedup.StatusResolved {
					continue
				}
			}
			data, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("marshaling duplicate: %w", err)
			}
			if err := bucket.Put([]byte(rec.ID), data); err != nil {
				return err
			}
			if err := tx.Bucket([]byte(groupIndexBucket)).Put(indexKey(rec.OriginalRecordID, rec.ID), nil); err != nil {
				return err
			}
			if rec.VendorID != "" {
				if err := tx.Bucket([]byte(dupVendorIdxBucket)).Put(indexKey(rec.VendorID, rec.ID), nil); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// ListDuplicates returns duplicate records passing filter, newest first
func (b *BoltDB) ListDuplicates(_ context.Context, filter dedup.GroupFilter) ([]dedup.DuplicateRecord, error) {
	var out []dedup.DuplicateRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(duplicatesBucket)).ForEach(func(_, v []byte) error {
			var rec dedup.DuplicateRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshaling duplicate: %w", err)
			}
			if filter.Matches(rec) {
				out = append(out, rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DetectedAt.After(out[j].DetectedAt) })
	return out, nil
}

// ResolveGroup resolves every record of a group in one transaction. Any failure rolls back the whole group,
// and a group with no detected record is left as it is.
func (b *BoltDB) ResolveGroup(_ context.Context, groupID string, res dedup.Resolution) (int, error) {
	n, open := 0, 0
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(duplicatesBucket))
		err := scanPrefix(tx, groupIndexBucket, groupID, func(id string) (bool, error) {
			data := bucket.Get([]byte(id))
			if data == nil {
				return false, fmt.Errorf("duplicate %s indexed but missing: %w", id, dedup.ErrConflict)
			}
			var rec dedup.DuplicateRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				return false, fmt.Errorf("unmarshaling duplicate %s: %w", id, err)
			}
			if rec.Status == dedup.StatusDetected {
				open++
			}
			rec.Apply(res)
			updated, err := json.Marshal(rec)
			if err != nil {
				return false, fmt.Errorf("marshaling duplicate: %w", err)
			}
			n++
			return true, bucket.Put([]byte(id), updated)
		})
		if err != nil {
			return err
		}
		if n == 0 {
			return dedup.ErrGroupNotFound
		}
		if open == 0 {
			return dedup.ErrAlreadyResolved
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// CountVendorDuplicates counts duplicate records recorded against a vendor, skipping those of excludeDocumentID
func (b *BoltDB) CountVendorDuplicates(_ context.Context, vendorID, excludeDocumentID string) (int, error) {
	n := 0
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(duplicatesBucket))
		return scanPrefix(tx, dupVendorIdxBucket, vendorID, func(id string) (bool, error) {
			var rec dedup.DuplicateRecord
			if err := json.Unmarshal(bucket.Get([]byte(id)), &rec); err != nil {
				return false, fmt.Errorf("unmarshaling duplicate %s: %w", id, err)
			}
			if rec.DocumentID != excludeDocumentID {
				n++
			}
			return true, nil
		})
	})
	return n, err
}

// ListRules returns the persisted rule set in its saved order
func (b *BoltDB) ListRules(_ context.Context) ([]dedup.DetectionRule, error) {
	var rules []dedup.DetectionRule
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(rulesBucket)).Get([]byte(rulesKey))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &rules)
	})
	if err != nil {
		return nil, fmt.Errorf("reading rules: %w", err)
	}
	return rules, nil
}

// ReplaceRules persists a complete rule set
func (b *BoltDB) ReplaceRules(_ context.Context, rules []dedup.DetectionRule) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(rules)
		if err != nil {
			return fmt.Errorf("marshaling rules: %w", err)
		}
		return tx.Bucket([]byte(rulesBucket)).Put([]byte(rulesKey), data)
	})
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}
