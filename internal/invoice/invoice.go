package invoice

import (
	"errors"
	"time"

	"github.com/zombor/invoice-dedup/internal/dedup"
)

// ErrNotFound is returned when an invoice does not exist
var ErrNotFound = errors.New("invoice not found")

// Invoice is an ingested invoice document with its stored file and extracted text
type Invoice struct {
	dedup.Document
	StoragePath string `json:"storage_path"`
	Text        string `json:"text,omitempty"`
	ScanError   string `json:"scan_error,omitempty"`
	// TextExtracted is set once extraction succeeded, so an empty Text is not extracted again
	TextExtracted bool      `json:"text_extracted,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Record returns the invoice as seen by the duplicate detectors
func (i *Invoice) Record() dedup.HistoricalRecord {
	return dedup.HistoricalRecord{
		Document:  i.Document,
		InvoiceID: i.ID,
		Text:      i.Text,
	}
}

// Analysis is the result of ingesting or re-analysing an invoice
type Analysis struct {
	Invoice    *Invoice          `json:"invoice"`
	Duplicates []dedup.Candidate `json:"duplicates"`
}
