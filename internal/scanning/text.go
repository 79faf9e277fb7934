package scanning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ErrNoText is returned when a document has no readable text and no transcriber is configured
var ErrNoText = errors.New("document has no extractable text")

// DocumentText extracts plain text from invoice files for similarity matching.
// PDFs use their text layer, text files pass through, and images (or scanned
// PDFs) are transcribed when a Transcriber is configured.
type DocumentText struct {
	Transcriber Transcriber
}

// ExtractText returns the text of data
func (d *DocumentText) ExtractText(ctx context.Context, data []byte, contentType string) (string, error) {
	mimeType := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}

	switch {
	case strings.HasPrefix(mimeType, "text/"):
		return string(data), nil
	case mimeType == "application/pdf":
		text, err := pdfText(data)
		if err != nil {
			return "", err
		}
		if text != "" {
			return text, nil
		}
		slog.Debug("PDF has no text layer, transcribing", "file_size", len(data))
	}

	if d.Transcriber == nil {
		return "", fmt.Errorf("%w (%s)", ErrNoText, mimeType)
	}
	text, err := d.Transcriber.Transcribe(ctx, data, mimeType)
	if err != nil {
		return "", fmt.Errorf("transcribing document: %w", err)
	}
	return text, nil
}
