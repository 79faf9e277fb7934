package invoice

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/zombor/invoice-dedup/internal/dedup"
)

const maxUploadSize = int64(50 << 20) // 50MB

// corsError writes an error response with CORS headers set
func corsError(w http.ResponseWriter, message string, code int) {
	setCORSHeaders(w)
	http.Error(w, message, code)
}

// jsonError writes a JSON error body with CORS headers set
func jsonError(w http.ResponseWriter, message string, code int) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleListInvoices returns a list of all invoices
func (s *Server) handleListInvoices(w http.ResponseWriter, r *http.Request) {
	invoices, err := s.service.ListInvoices(r.Context())
	if err != nil {
		slog.Error("Error listing invoices", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, invoices)
}

// contentTypeFor guesses a content type from the file extension
func contentTypeFor(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	case ".txt":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}

// handleUploadInvoice ingests an uploaded invoice and reports duplicate candidates
func (s *Server) handleUploadInvoice(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize+(1<<20))
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		errorMsg := "Error parsing form"
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			errorMsg = "File is too large. Maximum size is 50MB."
		}
		jsonError(w, errorMsg, http.StatusBadRequest)
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		slog.Error("Error getting file from form", "error", err)
		jsonError(w, "No file provided", http.StatusBadRequest)
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		jsonError(w, "Error reading file. Please try again.", http.StatusInternalServerError)
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = contentTypeFor(header.Filename)
	}
	contentType = strings.ToLower(strings.TrimSpace(contentType))

	analysis, err := s.service.ProcessInvoice(r.Context(), header.Filename, data, contentType, r.FormValue("vendor_id"))
	if err != nil {
		slog.Error("Error processing invoice", "filename", header.Filename, "error", err)
		if errors.Is(err, ErrEmptyFile) {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if analysis != nil {
			// The invoice is stored; detection can be retried through the analyze endpoint
			setCORSHeaders(w)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error":      err.Error(),
				"invoice_id": analysis.Invoice.ID,
			})
			return
		}
		jsonError(w, "Error processing invoice", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, analysis)
}

// handleGetInvoice returns a single invoice
func (s *Server) handleGetInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := s.service.GetInvoice(r.Context(), r.PathValue("id"))
	if err != nil {
		s.notFoundOrError(w, "Invoice not found", err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

// handleGetInvoiceFile returns the original file of an invoice
func (s *Server) handleGetInvoiceFile(w http.ResponseWriter, r *http.Request) {
	data, contentType, err := s.service.GetInvoiceFile(r.Context(), r.PathValue("id"))
	if err != nil {
		s.notFoundOrError(w, "File not found", err)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

// handleAnalyzeInvoice re-runs duplicate detection for a stored invoice
func (s *Server) handleAnalyzeInvoice(w http.ResponseWriter, r *http.Request) {
	analysis, err := s.service.ReanalyzeInvoice(r.Context(), r.PathValue("id"))
	if err != nil {
		s.notFoundOrError(w, "Invoice not found", err)
		return
	}
	writeJSON(w, http.StatusOK, analysis)
}

func (s *Server) notFoundOrError(w http.ResponseWriter, notFound string, err error) {
	if errors.Is(err, ErrNotFound) {
		corsError(w, notFound, http.StatusNotFound)
		return
	}
	slog.Error("Request failed", "error", err)
	corsError(w, "Internal server error", http.StatusInternalServerError)
}

// parseGroupFilter reads the duplicate group filter from query parameters
func parseGroupFilter(r *http.Request) (dedup.GroupFilter, error) {
	q := r.URL.Query()
	filter := dedup.GroupFilter{
		Status:   dedup.Status(q.Get("status")),
		VendorID: q.Get("vendor_id"),
	}
	if filter.Status != "" && filter.Status != dedup.StatusDetected && filter.Status != dedup.StatusResolved {
		return filter, errors.New("status must be detected or resolved")
	}
	if v := q.Get("min_confidence"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 || f > 1 {
			return filter, errors.New("min_confidence must be a number between 0 and 1")
		}
		filter.MinConfidence = f
	}
	if v := q.Get("requires_review"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return filter, errors.New("requires_review must be true or false")
		}
		filter.RequiresReview = &b
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, errors.New("limit must be a non-negative integer")
		}
		filter.Limit = n
	}
	return filter, nil
}

// handleListGroups returns duplicate groups matching the query filters
func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	filter, err := parseGroupFilter(r)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	groups, err := s.service.DuplicateGroups(r.Context(), filter)
	if err != nil {
		slog.Error("Error listing duplicate groups", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, groups)
}

type resolveRequest struct {
	Action dedup.ResolutionAction `json:"action"`
	Actor  string                 `json:"actor"`
	Notes  string                 `json:"notes"`
}

// handleResolveGroup records a reviewer decision for a duplicate group
func (s *Server) handleResolveGroup(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Actor == "" {
		if user, _, ok := r.BasicAuth(); ok {
			req.Actor = user
		}
	}

	err := s.service.ResolveDuplicateGroup(r.Context(), r.PathValue("id"), req.Action, req.Actor, req.Notes)
	switch {
	case err == nil:
		setCORSHeaders(w)
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, dedup.ErrInvalidAction):
		jsonError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, dedup.ErrGroupNotFound):
		jsonError(w, "Duplicate group not found", http.StatusNotFound)
	case errors.Is(err, dedup.ErrConflict), errors.Is(err, dedup.ErrAlreadyResolved):
		jsonError(w, err.Error(), http.StatusConflict)
	default:
		slog.Error("Error resolving duplicate group", "group_id", r.PathValue("id"), "error", err)
		jsonError(w, "Internal server error", http.StatusInternalServerError)
	}
}

// handleGetRules returns the active rule set
func (s *Server) handleGetRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.Rules())
}

// handleUpdateRules replaces the rule set
func (s *Server) handleUpdateRules(w http.ResponseWriter, r *http.Request) {
	var rules []dedup.DetectionRule
	if err := json.NewDecoder(r.Body).Decode(&rules); err != nil {
		jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.service.UpdateRules(r.Context(), rules); err != nil {
		var cfgErr *dedup.ConfigurationError
		if errors.As(err, &cfgErr) {
			jsonError(w, cfgErr.Error(), http.StatusBadRequest)
			return
		}
		slog.Error("Error updating rules", "error", err)
		jsonError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, s.service.Rules())
}
