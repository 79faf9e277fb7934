package scanning

import (
	"context"

	"github.com/shopspring/decimal"
)

// InvoiceData contains the fields extracted from an invoice
type InvoiceData struct {
	VendorName    string              `json:"vendor_name"`
	InvoiceNumber string              `json:"invoice_number"`
	InvoiceDate   string              `json:"invoice_date"` // YYYY-MM-DD, empty when unreadable
	TotalAmount   decimal.NullDecimal `json:"total_amount"`
	Currency      string              `json:"currency"`
	PaymentTerms  string              `json:"payment_terms"`
}

// Scanner defines the interface for invoice field extraction
type Scanner interface {
	// ScanInvoice analyzes an invoice image/PDF and extracts its header fields
	ScanInvoice(ctx context.Context, data []byte, contentType string) (*InvoiceData, error)
	// Close closes the scanner and releases resources
	Close() error
}

// Transcriber reads the full text of a document image
type Transcriber interface {
	Transcribe(ctx context.Context, data []byte, contentType string) (string, error)
}
