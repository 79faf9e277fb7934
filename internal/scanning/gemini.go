package scanning

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

const geminiTimeout = 30 * time.Second

// Gemini implements the Scanner and Transcriber interfaces using Google Gemini
type Gemini struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

// NewGemini creates a new Gemini Scanner instance
func NewGemini(ctx context.Context, apiKey string, modelName string) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if modelName == "" {
		modelName = "gemini-2.5-pro"
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	return &Gemini{
		client: client,
		model:  client.GenerativeModel(modelName),
	}, nil
}

// ScanInvoice analyzes an invoice and extracts its header fields
func (g *Gemini) ScanInvoice(ctx context.Context, data []byte, contentType string) (*InvoiceData, error) {
	text, err := g.generate(ctx, data, contentType, invoiceScanPrompt)
	if err != nil {
		return nil, err
	}
	invoice, err := parseInvoiceJSON(text)
	if err != nil {
		return nil, fmt.Errorf("parsing invoice data: %w", err)
	}
	return invoice, nil
}

// Transcribe returns the printed text of a document image
func (g *Gemini) Transcribe(ctx context.Context, data []byte, contentType string) (string, error) {
	return g.generate(ctx, data, contentType, transcribePrompt)
}

func (g *Gemini) generate(ctx context.Context, data []byte, contentType, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, geminiTimeout)
	defer cancel()

	imageData, _, _, err := prepareImageData(data, contentType)
	if err != nil {
		return "", err
	}

	// genai.ImageData takes the format suffix, and prepareImageData always yields PNG
	resp, err := g.model.GenerateContent(ctx, genai.ImageData("png", imageData), genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("generating content: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("no response from gemini")
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			sb.WriteString(string(text))
		}
	}
	return strings.TrimSpace(sb.String()), nil
}

// Close closes the Gemini client
func (g *Gemini) Close() error {
	return g.client.Close()
}
