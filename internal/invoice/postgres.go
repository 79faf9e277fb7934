package invoice

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as database/sql driver
	"github.com/pressly/goose/v3"

	"github.com/zombor/invoice-dedup/internal/dedup"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// RunMigrations applies the embedded schema migrations
func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrationFiles)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// PGDB implements the DB interface using PostgreSQL
type PGDB struct {
	DB *sql.DB
}

// NewPGDB connects to PostgreSQL and verifies connectivity
func NewPGDB(ctx context.Context, databaseURL string) (*PGDB, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("database url is empty")
	}
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &PGDB{DB: db}, nil
}

const invoiceColumns = `id, content_hash, size, filename, mime_type, vendor_id, invoice_number, vendor_name,
       total_amount, invoice_date, currency, payment_terms, storage_path, text, text_extracted, scan_error, created_at, updated_at`

// SaveInvoice inserts or replaces an invoice
func (p *PGDB) SaveInvoice(ctx context.Context, inv *Invoice) error {
	const query = `
INSERT INTO invoices (` + invoiceColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
ON CONFLICT (id) DO UPDATE SET
	vendor_id = EXCLUDED.vendor_id,
	invoice_number = EXCLUDED.invoice_number,
	vendor_name = EXCLUDED.vendor_name,
	total_amount = EXCLUDED.total_amount,
	invoice_date = EXCLUDED.invoice_date,
	currency = EXCLUDED.currency,
	payment_terms = EXCLUDED.payment_terms,
	text = EXCLUDED.text,
	text_extracted = EXCLUDED.text_extracted,
	scan_error = EXCLUDED.scan_error,
	updated_at = EXCLUDED.updated_at`

	var invoiceDate sql.NullTime
	if d := inv.Metadata.InvoiceDate; d != nil {
		invoiceDate = sql.NullTime{Time: *d, Valid: true}
	}
	_, err := p.DB.ExecContext(ctx, query,
		inv.ID,
		inv.ContentHash,
		inv.Size,
		inv.Filename,
		inv.MimeType,
		inv.VendorID,
		inv.Metadata.InvoiceNumber,
		inv.Metadata.VendorName,
		inv.Metadata.TotalAmount,
		invoiceDate,
		inv.Metadata.Currency,
		inv.Metadata.PaymentTerms,
		inv.StoragePath,
		inv.Text,
		inv.TextExtracted,
		inv.ScanError,
		inv.CreatedAt,
		inv.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("saving invoice: %w", err)
	}
	return nil
}

// SaveInvoiceText updates only the text of a stored invoice
func (p *PGDB) SaveInvoiceText(ctx context.Context, id, text string) error {
	result, err := p.DB.ExecContext(ctx, `UPDATE invoices SET text = $2, text_extracted = TRUE WHERE id = $1`, id, text)
	if err != nil {
		return fmt.Errorf("saving invoice text: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInvoice(row rowScanner) (*Invoice, error) {
	var inv Invoice
	var invoiceDate sql.NullTime
	err := row.Scan(
		&inv.ID,
		&inv.ContentHash,
		&inv.Size,
		&inv.Filename,
		&inv.MimeType,
		&inv.VendorID,
		&inv.Metadata.InvoiceNumber,
		&inv.Metadata.VendorName,
		&inv.Metadata.TotalAmount,
		&invoiceDate,
		&inv.Metadata.Currency,
		&inv.Metadata.PaymentTerms,
		&inv.StoragePath,
		&inv.Text,
		&inv.TextExtracted,
		&inv.ScanError,
		&inv.CreatedAt,
		&inv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if invoiceDate.Valid {
		d := invoiceDate.Time.UTC()
		inv.Metadata.InvoiceDate = &d
	}
	return &inv, nil
}

// GetInvoice retrieves an invoice by ID
func (p *PGDB) GetInvoice(ctx context.Context, id string) (*Invoice, error) {
	row := p.DB.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id)
	inv, err := scanInvoice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("getting invoice: %w", err)
	}
	return inv, nil
}

// ListInvoices returns all invoices, newest first
func (p *PGDB) ListInvoices(ctx context.Context) ([]*Invoice, error) {
	rows, err := p.DB.QueryContext(ctx, `SELECT `+invoiceColumns+` FROM invoices ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing invoices: %w", err)
	}
	defer rows.Close()

	invoices := make([]*Invoice, 0)
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning invoice: %w", err)
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

func (p *PGDB) queryRecords(ctx context.Context, query string, args ...any) ([]dedup.HistoricalRecord, error) {
	rows, err := p.DB.QueryContext(ctx, `SELECT `+invoiceColumns+` FROM invoices `+query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []dedup.HistoricalRecord
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning invoice: %w", err)
		}
		out = append(out, inv.Record())
	}
	return out, rows.Err()
}

// FindByContentHash returns invoices with an identical content hash
func (p *PGDB) FindByContentHash(ctx context.Context, hash, excludeID string) ([]dedup.HistoricalRecord, error) {
	return p.queryRecords(ctx, `WHERE content_hash = $1 AND id <> $2 ORDER BY created_at`, hash, excludeID)
}

// FindVendorInvoices returns same-vendor invoices inside the query's amount and date bands
func (p *PGDB) FindVendorInvoices(ctx context.Context, q dedup.VendorQuery) ([]dedup.HistoricalRecord, error) {
	return p.queryRecords(ctx, `
WHERE vendor_id = $1
  AND total_amount BETWEEN $2 AND $3
  AND invoice_date BETWEEN $4 AND $5
  AND id <> $6
ORDER BY invoice_date DESC
LIMIT $7`, q.VendorID, q.MinAmount, q.MaxAmount, q.DateFrom, q.DateTo, q.ExcludeID, limitOrAll(q.Limit))
}

// FindCreatedBetween returns invoices created in [from, to], newest first
func (p *PGDB) FindCreatedBetween(ctx context.Context, from, to time.Time, excludeID string, limit int) ([]dedup.HistoricalRecord, error) {
	return p.queryRecords(ctx, `
WHERE created_at BETWEEN $1 AND $2 AND id <> $3
ORDER BY created_at DESC
LIMIT $4`, from, to, excludeID, limitOrAll(limit))
}

// FindRecentByMimeType returns invoices of mimeType created at or after since, newest first
func (p *PGDB) FindRecentByMimeType(ctx context.Context, mimeType string, since time.Time, excludeID string, limit int) ([]dedup.HistoricalRecord, error) {
	return p.queryRecords(ctx, `
WHERE mime_type = $1 AND created_at >= $2 AND id <> $3
ORDER BY created_at DESC
LIMIT $4`, mimeType, since, excludeID, limitOrAll(limit))
}

// limitOrAll maps a non-positive limit to NULL, which postgres reads as LIMIT ALL
func limitOrAll(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

func marshalJSONB(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling jsonb: %w", err)
	}
	return data, nil
}

// SaveDuplicates writes all records in one transaction, leaving resolved records untouched
func (p *PGDB) SaveDuplicates(ctx context.Context, records []dedup.DuplicateRecord) error {
	const query = `
INSERT INTO duplicate_records (
	id, document_id, original_record_id, vendor_id, strategy, rule_id, confidence, similarity,
	match_criteria, comparison_details, working_capital, requires_human_review, status, detected_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (id) DO UPDATE SET
	strategy = EXCLUDED.strategy,
	rule_id = EXCLUDED.rule_id,
	confidence = EXCLUDED.confidence,
	similarity = EXCLUDED.similarity,
	match_criteria = EXCLUDED.match_criteria,
	comparison_details = EXCLUDED.comparison_details,
	working_capital = EXCLUDED.working_capital,
	requires_human_review = EXCLUDED.requires_human_review,
	detected_at = EXCLUDED.detected_at
WHERE duplicate_records.status <> 'resolved'`

	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, rec := range records {
		criteria, err := marshalJSONB(rec.MatchCriteria)
		if err != nil {
			return err
		}
		details, err := marshalJSONB(rec.ComparisonDetails)
		if err != nil {
			return err
		}
		var wc []byte
		if rec.WorkingCapital != nil {
			if wc, err = marshalJSONB(rec.WorkingCapital); err != nil {
				return err
			}
		}
		var similarity sql.NullFloat64
		if rec.Similarity != nil {
			similarity = sql.NullFloat64{Float64: *rec.Similarity, Valid: true}
		}
		_, err = tx.ExecContext(ctx, query,
			rec.ID,
			rec.DocumentID,
			rec.OriginalRecordID,
			rec.VendorID,
			rec.Strategy,
			rec.RuleID,
			rec.Confidence,
			similarity,
			criteria,
			details,
			wc,
			rec.RequiresHumanReview,
			rec.Status,
			rec.DetectedAt,
		)
		if err != nil {
			return fmt.Errorf("saving duplicate %s: %w", rec.ID, err)
		}
	}
	return tx.Commit()
}

const duplicateColumns = `id, document_id, original_record_id, vendor_id, strategy, rule_id, confidence, similarity,
       match_criteria, comparison_details, working_capital, requires_human_review, status,
       resolution_action, resolved_by, resolved_at, resolution_notes, detected_at`

func scanDuplicate(row rowScanner) (dedup.DuplicateRecord, error) {
	var rec dedup.DuplicateRecord
	var similarity sql.NullFloat64
	var criteria, details, wc []byte
	var resolvedAt sql.NullTime
	err := row.Scan(
		&rec.ID,
		&rec.DocumentID,
		&rec.OriginalRecordID,
		&rec.VendorID,
		&rec.Strategy,
		&rec.RuleID,
		&rec.Confidence,
		&similarity,
		&criteria,
		&details,
		&wc,
		&rec.RequiresHumanReview,
		&rec.Status,
		&rec.ResolutionAction,
		&rec.ResolvedBy,
		&resolvedAt,
		&rec.ResolutionNotes,
		&rec.DetectedAt,
	)
	if err != nil {
		return rec, err
	}
	if similarity.Valid {
		v := similarity.Float64
		rec.Similarity = &v
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		rec.ResolvedAt = &t
	}
	if len(criteria) > 0 {
		if err := json.Unmarshal(criteria, &rec.MatchCriteria); err != nil {
			return rec, fmt.Errorf("decoding match criteria: %w", err)
		}
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &rec.ComparisonDetails); err != nil {
			return rec, fmt.Errorf("decoding comparison details: %w", err)
		}
	}
	if len(wc) > 0 {
		rec.WorkingCapital = &dedup.WorkingCapitalAnalysis{}
		if err := json.Unmarshal(wc, rec.WorkingCapital); err != nil {
			return rec, fmt.Errorf("decoding working capital analysis: %w", err)
		}
	}
	return rec, nil
}

// ListDuplicates returns duplicate records passing filter, newest first
func (p *PGDB) ListDuplicates(ctx context.Context, filter dedup.GroupFilter) ([]dedup.DuplicateRecord, error) {
	var where []string
	var args []any
	add := func(cond string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.Status != "" {
		add("status = $%d", filter.Status)
	}
	if filter.VendorID != "" {
		add("vendor_id = $%d", filter.VendorID)
	}
	if filter.MinConfidence > 0 {
		add("confidence >= $%d", filter.MinConfidence)
	}
	if filter.RequiresReview != nil {
		add("requires_human_review = $%d", *filter.RequiresReview)
	}

	query := `SELECT ` + duplicateColumns + ` FROM duplicate_records`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY detected_at DESC`

	rows, err := p.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing duplicates: %w", err)
	}
	defer rows.Close()

	var out []dedup.DuplicateRecord
	for rows.Next() {
		rec, err := scanDuplicate(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning duplicate: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ResolveGroup resolves every record of a group in one transaction. Any failure rolls back the whole group,
// and a group with no detected record is left as it is.
func (p *PGDB) ResolveGroup(ctx context.Context, groupID string, res dedup.Resolution) (int, error) {
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var locked, open int
	if err := tx.QueryRowContext(ctx, `
SELECT count(*), count(*) FILTER (WHERE status = $2)
FROM (SELECT id, status FROM duplicate_records WHERE original_record_id = $1 FOR UPDATE) g`,
		groupID, dedup.StatusDetected,
	).Scan(&locked, &open); err != nil {
		return 0, fmt.Errorf("locking group: %w", err)
	}
	if locked == 0 {
		return 0, dedup.ErrGroupNotFound
	}
	if open == 0 {
		return 0, dedup.ErrAlreadyResolved
	}

	result, err := tx.ExecContext(ctx, `
UPDATE duplicate_records
SET status = $2, resolution_action = $3, resolved_by = $4, resolved_at = $5, resolution_notes = $6
WHERE original_record_id = $1`,
		groupID, dedup.StatusResolved, res.Action, res.Actor, res.At, res.Notes,
	)
	if err != nil {
		return 0, fmt.Errorf("resolving group: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if int(n) != locked {
		return 0, dedup.ErrConflict
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return locked, nil
}

// CountVendorDuplicates counts duplicate records recorded against a vendor, skipping those of excludeDocumentID
func (p *PGDB) CountVendorDuplicates(ctx context.Context, vendorID, excludeDocumentID string) (int, error) {
	var n int
	err := p.DB.QueryRowContext(ctx,
		`SELECT count(*) FROM duplicate_records WHERE vendor_id = $1 AND document_id <> $2`,
		vendorID, excludeDocumentID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting vendor duplicates: %w", err)
	}
	return n, nil
}

// ListRules returns the persisted rule set in its saved order
func (p *PGDB) ListRules(ctx context.Context) ([]dedup.DetectionRule, error) {
	rows, err := p.DB.QueryContext(ctx, `
SELECT id, name, strategy, priority, is_active, configuration, filters, created_at, updated_at
FROM detection_rules
ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("listing rules: %w", err)
	}
	defer rows.Close()

	var rules []dedup.DetectionRule
	for rows.Next() {
		var r dedup.DetectionRule
		var cfg, filters []byte
		if err := rows.Scan(&r.ID, &r.Name, &r.Strategy, &r.Priority, &r.Active, &cfg, &filters, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning rule: %w", err)
		}
		if err := json.Unmarshal(cfg, &r.Config); err != nil {
			return nil, fmt.Errorf("decoding rule %s configuration: %w", r.ID, err)
		}
		if err := json.Unmarshal(filters, &r.Filters); err != nil {
			return nil, fmt.Errorf("decoding rule %s filters: %w", r.ID, err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// ReplaceRules persists a complete rule set in one transaction
func (p *PGDB) ReplaceRules(ctx context.Context, rules []dedup.DetectionRule) error {
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM detection_rules`); err != nil {
		return fmt.Errorf("clearing rules: %w", err)
	}
	for i, r := range rules {
		cfg, err := marshalJSONB(r.Config)
		if err != nil {
			return err
		}
		filters, err := marshalJSONB(r.Filters)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO detection_rules (id, position, name, strategy, priority, is_active, configuration, filters, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			r.ID, i, r.Name, r.Strategy, r.Priority, r.Active, cfg, filters, r.CreatedAt, r.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("saving rule %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

// Close closes the database connection
func (p *PGDB) Close() error {
	return p.DB.Close()
}
