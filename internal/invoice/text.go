package invoice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/zombor/invoice-dedup/internal/dedup"
)

// TextSource serves invoice text to the fuzzy detector. Text already extracted for an invoice
// is reused, and text extracted here is written back with SaveInvoiceText.
type TextSource struct {
	Extractor TextExtractor
	Storage   Storage
	DB        DB
}

// DocumentText returns the stored text of the invoice under analysis, extracting it from
// content only when the invoice has none yet
func (t *TextSource) DocumentText(ctx context.Context, doc dedup.Document, content []byte) (string, error) {
	if t.Extractor == nil {
		return "", dedup.ErrTextUnavailable
	}
	inv, err := t.DB.GetInvoice(ctx, doc.ID)
	switch {
	case err == nil && (inv.TextExtracted || inv.Text != ""):
		return inv.Text, nil
	case err != nil && !errors.Is(err, ErrNotFound):
		return "", err
	}
	if len(content) == 0 {
		return "", fmt.Errorf("no file content for document %s", doc.ID)
	}

	text, err := t.Extractor.ExtractText(ctx, content, doc.MimeType)
	if err != nil {
		return "", err
	}
	if inv != nil {
		t.cache(ctx, inv.ID, text)
	}
	return text, nil
}

// RecordText extracts the text of a stored invoice from its file
func (t *TextSource) RecordText(ctx context.Context, rec dedup.HistoricalRecord) (string, error) {
	if t.Extractor == nil {
		return "", dedup.ErrTextUnavailable
	}
	inv, err := t.DB.GetInvoice(ctx, rec.ID)
	if err != nil {
		return "", err
	}
	if inv.TextExtracted || inv.Text != "" {
		return inv.Text, nil
	}
	data, err := t.Storage.Get(inv.StoragePath)
	if err != nil {
		return "", fmt.Errorf("getting invoice file: %w", err)
	}
	text, err := t.Extractor.ExtractText(ctx, data, inv.MimeType)
	if err != nil {
		return "", err
	}
	t.cache(ctx, inv.ID, text)
	return text, nil
}

func (t *TextSource) cache(ctx context.Context, id, text string) {
	if err := t.DB.SaveInvoiceText(ctx, id, text); err != nil {
		slog.Warn("Failed to cache invoice text", "invoice_id", id, "error", err)
	}
}
