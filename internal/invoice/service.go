package invoice

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/invoice-dedup/internal/dedup"
	"github.com/zombor/invoice-dedup/internal/scanning"
)

// ErrEmptyFile is returned when an upload has no content
var ErrEmptyFile = errors.New("file is empty")

// IDGenerator generates unique IDs for invoices
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// TextExtractor reads the plain text of an invoice file
type TextExtractor interface {
	ExtractText(ctx context.Context, data []byte, contentType string) (string, error)
}

// DuplicateEngine is the duplicate detection API the service drives
type DuplicateEngine interface {
	AnalyzeForDuplicates(ctx context.Context, doc dedup.Document, content []byte) ([]dedup.Candidate, error)
	GetDuplicateGroups(ctx context.Context, filter dedup.GroupFilter) ([]dedup.DuplicateGroup, error)
	ResolveDuplicateGroup(ctx context.Context, groupID string, action dedup.ResolutionAction, actor, notes string) error
	UpdateDeduplicationRules(ctx context.Context, rules []dedup.DetectionRule) error
	Rules() []dedup.DetectionRule
}

type uuidGenerator struct{}

func (uuidGenerator) Generate() string {
	return uuid.NewString()
}

type defaultTimeSource struct{}

func (defaultTimeSource) Now() time.Time {
	return time.Now().UTC()
}

// Service handles invoice ingestion and duplicate review
type Service struct {
	db          DB
	scanner     scanning.Scanner
	extractor   TextExtractor
	storage     Storage
	engine      DuplicateEngine
	idGenerator IDGenerator
	timeSource  TimeSource
}

// NewService creates a new Service with default ID generator and time source.
// scanner and extractor may be nil, in which case invoices are stored without fields or text.
func NewService(db DB, scanner scanning.Scanner, extractor TextExtractor, storage Storage, engine DuplicateEngine) *Service {
	return NewServiceWithDeps(db, scanner, extractor, storage, engine, uuidGenerator{}, defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(db DB, scanner scanning.Scanner, extractor TextExtractor, storage Storage, engine DuplicateEngine, idGen IDGenerator, timeSrc TimeSource) *Service {
	return &Service{
		db:          db,
		scanner:     scanner,
		extractor:   extractor,
		storage:     storage,
		engine:      engine,
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

var (
	filenameNoise  = regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`)
	filenameSpaces = regexp.MustCompile(`\s+`)
)

// sanitizeFilename cleans up a filename by removing special characters and truncating length
func sanitizeFilename(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))

	base = filenameNoise.ReplaceAllString(base, "")
	base = filenameSpaces.ReplaceAllString(base, " ")
	base = strings.TrimSpace(base)

	if len(base) > 50 {
		base = base[:50]
	}
	if base == "" {
		base = "invoice"
	}
	return base + ext
}

var (
	vendorNoise    = regexp.MustCompile(`[^a-z0-9]+`)
	vendorSuffixes = map[string]bool{
		"inc": true, "incorporated": true, "llc": true, "ltd": true, "limited": true,
		"corp": true, "corporation": true, "co": true, "company": true,
		"gmbh": true, "plc": true, "sa": true, "bv": true,
	}
)

// VendorSlug derives a stable vendor ID from a vendor name, so "ACME Corp." and "Acme Corporation, Inc." match
func VendorSlug(name string) string {
	words := strings.Fields(vendorNoise.ReplaceAllString(strings.ToLower(name), " "))
	for len(words) > 1 && vendorSuffixes[words[len(words)-1]] {
		words = words[:len(words)-1]
	}
	return strings.Join(words, "-")
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ProcessInvoice stores an uploaded invoice, extracts its fields and text, and checks it for duplicates.
// A failed field scan is logged and the invoice is analysed without metadata. When duplicate analysis
// fails the invoice stays saved and the returned Analysis carries it alongside the error, so the
// analysis can be retried with ReanalyzeInvoice.
func (s *Service) ProcessInvoice(ctx context.Context, filename string, data []byte, contentType, vendorID string) (*Analysis, error) {
	if len(data) == 0 {
		return nil, ErrEmptyFile
	}

	id := s.idGenerator.Generate()
	now := s.timeSource.Now()
	cleanFilename := sanitizeFilename(filename)
	hash := contentHash(data)

	savedPath, err := s.storage.Save(fmt.Sprintf("%s/%s_%s", hash[:2], id, cleanFilename), data)
	if err != nil {
		return nil, fmt.Errorf("saving file: %w", err)
	}

	inv := &Invoice{
		Document: dedup.Document{
			ID:          id,
			ContentHash: hash,
			Size:        int64(len(data)),
			Filename:    cleanFilename,
			MimeType:    contentType,
			CreatedAt:   now,
		},
		StoragePath: savedPath,
		UpdatedAt:   now,
	}

	s.scan(ctx, inv, data)
	inv.VendorID = strings.TrimSpace(vendorID)
	if inv.VendorID == "" {
		inv.VendorID = VendorSlug(inv.Metadata.VendorName)
	}
	inv.Text = s.extractText(ctx, inv, data)

	if err := s.db.SaveInvoice(ctx, inv); err != nil {
		if delErr := s.storage.Delete(savedPath); delErr != nil {
			slog.Warn("Failed to clean up file", "path", savedPath, "error", delErr)
		}
		return nil, fmt.Errorf("saving invoice to database: %w", err)
	}

	slog.Info("Invoice ingested",
		"invoice_id", inv.ID,
		"vendor_id", inv.VendorID,
		"content_hash", inv.ContentHash,
		"file_size", inv.Size,
	)

	return s.analyze(ctx, inv, data)
}

func (s *Service) scan(ctx context.Context, inv *Invoice, data []byte) {
	if s.scanner == nil {
		return
	}
	fields, err := s.scanner.ScanInvoice(ctx, data, inv.MimeType)
	if err != nil {
		slog.Error("Failed to scan invoice",
			"invoice_id", inv.ID,
			"filename", inv.Filename,
			"content_type", inv.MimeType,
			"file_size", len(data),
			"error", err,
		)
		inv.ScanError = err.Error()
		return
	}
	inv.Metadata = metadataFromScan(fields)
}

func metadataFromScan(fields *scanning.InvoiceData) dedup.Metadata {
	md := dedup.Metadata{
		InvoiceNumber: fields.InvoiceNumber,
		VendorName:    fields.VendorName,
		TotalAmount:   fields.TotalAmount,
		Currency:      fields.Currency,
		PaymentTerms:  fields.PaymentTerms,
	}
	if fields.InvoiceDate != "" {
		if d, err := time.Parse("2006-01-02", fields.InvoiceDate); err == nil {
			md.InvoiceDate = &d
		}
	}
	return md
}

func (s *Service) extractText(ctx context.Context, inv *Invoice, data []byte) string {
	if s.extractor == nil {
		return ""
	}
	text, err := s.extractor.ExtractText(ctx, data, inv.MimeType)
	if err != nil {
		slog.Warn("Failed to extract invoice text", "invoice_id", inv.ID, "error", err)
		return ""
	}
	inv.TextExtracted = true
	return text
}

func (s *Service) analyze(ctx context.Context, inv *Invoice, data []byte) (*Analysis, error) {
	cands, err := s.engine.AnalyzeForDuplicates(ctx, inv.Document, data)
	if err != nil {
		return &Analysis{Invoice: inv}, fmt.Errorf("analyzing duplicates: %w", err)
	}
	return &Analysis{Invoice: inv, Duplicates: cands}, nil
}

// ReanalyzeInvoice re-runs duplicate detection for a stored invoice
func (s *Service) ReanalyzeInvoice(ctx context.Context, id string) (*Analysis, error) {
	inv, err := s.db.GetInvoice(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting invoice: %w", err)
	}
	data, err := s.storage.Get(inv.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("getting invoice file: %w", err)
	}
	return s.analyze(ctx, inv, data)
}

// GetInvoice retrieves an invoice by ID
func (s *Service) GetInvoice(ctx context.Context, id string) (*Invoice, error) {
	inv, err := s.db.GetInvoice(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting invoice: %w", err)
	}
	return inv, nil
}

// ListInvoices returns all invoices
func (s *Service) ListInvoices(ctx context.Context) ([]*Invoice, error) {
	invoices, err := s.db.ListInvoices(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing invoices: %w", err)
	}
	return invoices, nil
}

// GetInvoiceFile retrieves the file data for an invoice
func (s *Service) GetInvoiceFile(ctx context.Context, id string) ([]byte, string, error) {
	inv, err := s.db.GetInvoice(ctx, id)
	if err != nil {
		return nil, "", fmt.Errorf("getting invoice: %w", err)
	}
	data, err := s.storage.Get(inv.StoragePath)
	if err != nil {
		return nil, "", fmt.Errorf("getting invoice file: %w", err)
	}
	return data, inv.MimeType, nil
}

// DuplicateGroups returns persisted duplicate groups
func (s *Service) DuplicateGroups(ctx context.Context, filter dedup.GroupFilter) ([]dedup.DuplicateGroup, error) {
	return s.engine.GetDuplicateGroups(ctx, filter)
}

// ResolveDuplicateGroup records a reviewer's decision for a duplicate group
func (s *Service) ResolveDuplicateGroup(ctx context.Context, groupID string, action dedup.ResolutionAction, actor, notes string) error {
	return s.engine.ResolveDuplicateGroup(ctx, groupID, action, actor, notes)
}

// Rules returns the active rule configuration
func (s *Service) Rules() []dedup.DetectionRule {
	return s.engine.Rules()
}

// UpdateRules replaces the rule configuration
func (s *Service) UpdateRules(ctx context.Context, rules []dedup.DetectionRule) error {
	return s.engine.UpdateDeduplicationRules(ctx, rules)
}
