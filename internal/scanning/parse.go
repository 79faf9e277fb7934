package scanning

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// rawInvoice mirrors the LLM response, which is loose about types
type rawInvoice struct {
	VendorName    string          `json:"vendor_name"`
	InvoiceNumber json.RawMessage `json:"invoice_number"`
	InvoiceDate   string          `json:"invoice_date"`
	TotalAmount   json.RawMessage `json:"total_amount"`
	Currency      string          `json:"currency"`
	PaymentTerms  string          `json:"payment_terms"`
}

var dateFormats = []string{
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"02-01-2006",
	"January 2, 2006",
	"Jan 2, 2006",
	"2 January 2006",
}

var amountNoise = regexp.MustCompile(`[^0-9.,\-]`)

// extractJSON strips code fences and any prose around the first JSON object
func extractJSON(text string) (string, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSpace(text)

	startIdx := strings.Index(text, "{")
	if startIdx == -1 {
		return "", fmt.Errorf("no JSON object found in response")
	}
	endIdx := strings.LastIndex(text, "}")
	if endIdx == -1 || endIdx < startIdx {
		return "", fmt.Errorf("invalid JSON object in response")
	}
	return text[startIdx : endIdx+1], nil
}

// parseInvoiceJSON parses the JSON response from an LLM scanner
func parseInvoiceJSON(text string) (*InvoiceData, error) {
	text, err := extractJSON(text)
	if err != nil {
		return nil, err
	}

	var raw rawInvoice
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, fmt.Errorf("unmarshaling json: %w", err)
	}

	return &InvoiceData{
		VendorName:    strings.TrimSpace(raw.VendorName),
		InvoiceNumber: parseLooseString(raw.InvoiceNumber),
		InvoiceDate:   normalizeDate(raw.InvoiceDate),
		TotalAmount:   parseAmount(raw.TotalAmount),
		Currency:      strings.ToUpper(strings.TrimSpace(raw.Currency)),
		PaymentTerms:  strings.TrimSpace(raw.PaymentTerms),
	}, nil
}

// normalizeDate returns the date as YYYY-MM-DD, or empty when it cannot be read
func normalizeDate(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	for _, format := range dateFormats {
		if d, err := time.Parse(format, s); err == nil {
			return d.Format("2006-01-02")
		}
	}
	return ""
}

// parseAmount accepts a JSON number, a formatted string like "$1,234.50", or null
func parseAmount(raw json.RawMessage) decimal.NullDecimal {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return decimal.NullDecimal{}
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			return decimal.NullDecimal{}
		}
		s = normalizeAmount(str)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}

// normalizeAmount turns a formatted amount into a plain decimal string. The last of '.' and ','
// is the decimal separator when both appear, so "1.234,50" and "1,234.50" read the same.
// A lone separator is a thousands separator when it repeats or is followed by exactly three digits.
func normalizeAmount(str string) string {
	s := amountNoise.ReplaceAllString(str, "")
	dot, comma := strings.LastIndex(s, "."), strings.LastIndex(s, ",")
	switch {
	case dot >= 0 && comma >= 0:
		if comma > dot {
			s = strings.ReplaceAll(s, ".", "")
			return strings.Replace(s, ",", ".", 1)
		}
		return strings.ReplaceAll(s, ",", "")
	case comma >= 0:
		if strings.Count(s, ",") > 1 || len(s)-comma-1 == 3 {
			return strings.ReplaceAll(s, ",", "")
		}
		return strings.Replace(s, ",", ".", 1)
	case strings.Count(s, ".") > 1:
		return strings.ReplaceAll(s, ".", "")
	}
	return s
}

// parseLooseString accepts a JSON string or number
func parseLooseString(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return ""
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return strings.TrimSpace(str)
	}
	return s
}
