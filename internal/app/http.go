package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/349lolol/Cataloger/internal/auth"
	"github.com/349lolol/Cataloger/internal/ratelimit"
	"github.com/349lolol/Cataloger/internal/store"
)

type HTTPServer struct {
	service    *Service
	jwtSecret  []byte
	corsOrigin string
	limiter    *ratelimit.Limiter
}

// NewHTTPServer wires the API surface. limiter may be nil, which disables
// rate limiting.
func NewHTTPServer(service *Service, jwtSecret []byte, corsOrigin string, limiter *ratelimit.Limiter) *HTTPServer {
	return &HTTPServer{service: service, jwtSecret: jwtSecret, corsOrigin: corsOrigin, limiter: limiter}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{"status": "error", "error": err.Error()}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	// Everything below requires a bearer token resolving to a membership.
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Missing bearer token", nil)
		return
	}
	userID, err := auth.ParseToken(s.jwtSecret, token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid or expired token", nil)
		return
	}
	actor, err := s.service.ResolveActor(r.Context(), userID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	if s.limiter != nil {
		ok, err := s.limiter.Allow(r.Context(), actor.UserID)
		if err != nil {
			log.Printf("ratelimit: %v", err)
		}
		if !ok {
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests", nil)
			return
		}
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch parts[1] {
	case "requests":
		s.handleRequests(w, r, actor, parts[2:])
	case "proposals":
		s.handleProposals(w, r, actor, parts[2:])
	case "catalog":
		s.handleCatalog(w, r, actor, parts[2:])
	case "products":
		if r.Method == http.MethodPost && len(parts) == 3 && parts[2] == "enrich" {
			s.handleEnrich(w, r, actor)
			return
		}
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	case "audit":
		if r.Method == http.MethodGet && len(parts) == 2 {
			s.handleAuditList(w, r, actor)
			return
		}
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleRequests(w http.ResponseWriter, r *http.Request, actor Actor, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodPost:
		var input CreateRequestInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		created, err := s.service.CreateRequest(r.Context(), actor, input)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, requestView(created))

	case len(rest) == 0 && r.Method == http.MethodGet:
		q := r.URL.Query()
		requests, err := s.service.ListRequests(r.Context(), actor, q.Get("status"), q.Get("created_by"), queryInt(q.Get("limit"), 50))
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		views := make([]map[string]any, len(requests))
		for i, req := range requests {
			views[i] = requestView(req)
		}
		writeJSON(w, http.StatusOK, map[string]any{"requests": views})

	case len(rest) == 1 && r.Method == http.MethodGet:
		req, err := s.service.GetRequest(r.Context(), actor, rest[0])
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, requestView(req))

	case len(rest) == 2 && rest[1] == "review" && r.Method == http.MethodPost:
		var input ReviewRequestInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		reviewed, spawned, err := s.service.ReviewRequest(r.Context(), actor, rest[0], input)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		payload := map[string]any{"request": requestView(reviewed)}
		if spawned != nil {
			payload["proposal"] = proposalView(*spawned)
		}
		writeJSON(w, http.StatusOK, payload)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleProposals(w http.ResponseWriter, r *http.Request, actor Actor, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodPost:
		var input CreateProposalInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		created, err := s.service.CreateProposal(r.Context(), actor, input)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, proposalView(created))

	case len(rest) == 0 && r.Method == http.MethodGet:
		q := r.URL.Query()
		proposals, err := s.service.ListProposals(r.Context(), actor, q.Get("status"), q.Get("type"), queryInt(q.Get("limit"), 50))
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		views := make([]map[string]any, len(proposals))
		for i, p := range proposals {
			views[i] = proposalView(p)
		}
		writeJSON(w, http.StatusOK, map[string]any{"proposals": views})

	case len(rest) == 1 && r.Method == http.MethodGet:
		p, err := s.service.GetProposal(r.Context(), actor, rest[0])
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, proposalView(p))

	case len(rest) == 2 && rest[1] == "approve" && r.Method == http.MethodPost:
		var input ReviewProposalInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.ApproveProposal(r.Context(), actor, rest[0], input)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		payload := map[string]any{"proposal": proposalView(result.Proposal)}
		if result.NewItemID != "" {
			payload["new_item_id"] = result.NewItemID
		}
		if result.DeprecatedItemID != "" {
			payload["deprecated_item_id"] = result.DeprecatedItemID
		}
		writeJSON(w, http.StatusOK, payload)

	case len(rest) == 2 && rest[1] == "reject" && r.Method == http.MethodPost:
		var input ReviewProposalInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		rejected, err := s.service.RejectProposal(r.Context(), actor, rest[0], input)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, proposalView(rejected))

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleCatalog(w http.ResponseWriter, r *http.Request, actor Actor, rest []string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	switch {
	case len(rest) == 0:
		items, err := s.service.ListItems(r.Context(), actor, r.URL.Query().Get("status"), queryInt(r.URL.Query().Get("limit"), 50))
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		views := make([]map[string]any, len(items))
		for i, item := range items {
			views[i] = itemView(item)
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": views})

	case len(rest) == 1 && rest[0] == "search":
		q := r.URL.Query()
		threshold := 0.3
		if raw := q.Get("threshold"); raw != "" {
			if parsed, err := strconv.ParseFloat(raw, 64); err == nil {
				threshold = parsed
			}
		}
		resp, err := s.service.SearchItems(r.Context(), actor, q.Get("q"), threshold, queryInt(q.Get("limit"), 10))
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)

	case len(rest) == 1:
		item, err := s.service.GetItem(r.Context(), actor, rest[0])
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, itemView(item))

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleEnrich(w http.ResponseWriter, r *http.Request, actor Actor) {
	var input EnrichInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	product, err := s.service.EnrichProduct(r.Context(), actor, input)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, product)
}

func (s *HTTPServer) handleAuditList(w http.ResponseWriter, r *http.Request, actor Actor) {
	q := r.URL.Query()
	events, err := s.service.ListAuditEvents(r.Context(), actor, store.AuditFilter{
		EventType:    q.Get("event_type"),
		ResourceType: q.Get("resource_type"),
		ResourceID:   q.Get("resource_id"),
		Limit:        queryInt(q.Get("limit"), 100),
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	views := make([]map[string]any, len(events))
	for i, event := range events {
		views[i] = auditView(event)
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": views})
}

func (s *HTTPServer) writeServiceError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status == http.StatusInternalServerError {
		log.Printf("http: %v", err)
	}
	writeError(w, status, code, message, details)
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

func requestView(req store.Request) map[string]any {
	view := map[string]any{
		"id":             req.ID,
		"org_id":         req.OrgID,
		"created_by":     req.CreatedBy,
		"search_query":   req.SearchQuery,
		"search_results": json.RawMessage(orJSONArray(req.SearchResults)),
		"justification":  req.Justification,
		"status":         req.Status,
		"review_notes":   req.ReviewNotes,
		"created_at":     req.CreatedAt,
	}
	if req.ReviewedBy != "" {
		view["reviewed_by"] = req.ReviewedBy
	}
	if req.ReviewedAt != nil {
		view["reviewed_at"] = req.ReviewedAt
	}
	return view
}

func proposalView(p store.Proposal) map[string]any {
	view := map[string]any{
		"id":               p.ID,
		"org_id":           p.OrgID,
		"proposed_by":      p.ProposedBy,
		"type":             p.Type,
		"item_name":        p.ItemName,
		"item_description": p.ItemDescription,
		"item_category":    p.ItemCategory,
		"item_metadata":    json.RawMessage(orJSONObject(p.ItemMetadata)),
		"status":           p.Status,
		"review_notes":     p.ReviewNotes,
		"created_at":       p.CreatedAt,
	}
	if p.RequestID != nil {
		view["request_id"] = *p.RequestID
	}
	if p.TargetItemID != nil {
		view["target_item_id"] = *p.TargetItemID
	}
	if p.ItemVendor != "" {
		view["item_vendor"] = p.ItemVendor
	}
	if p.ItemPrice != nil {
		view["item_price"] = *p.ItemPrice
	}
	if p.ItemPricingType != "" {
		view["item_pricing_type"] = p.ItemPricingType
	}
	if p.ItemProductURL != "" {
		view["item_product_url"] = p.ItemProductURL
	}
	if p.ItemSKU != "" {
		view["item_sku"] = p.ItemSKU
	}
	if p.ReviewedBy != "" {
		view["reviewed_by"] = p.ReviewedBy
	}
	if p.ReviewedAt != nil {
		view["reviewed_at"] = p.ReviewedAt
	}
	if p.MergedAt != nil {
		view["merged_at"] = p.MergedAt
	}
	return view
}

func itemView(item store.CatalogItem) map[string]any {
	view := map[string]any{
		"id":          item.ID,
		"org_id":      item.OrgID,
		"name":        item.Name,
		"description": item.Description,
		"category":    item.Category,
		"metadata":    json.RawMessage(orJSONObject(item.Metadata)),
		"status":      item.Status,
		"created_by":  item.CreatedBy,
		"created_at":  item.CreatedAt,
		"updated_at":  item.UpdatedAt,
	}
	if item.Vendor != "" {
		view["vendor"] = item.Vendor
	}
	if item.Price != nil {
		view["price"] = *item.Price
	}
	if item.PricingType != "" {
		view["pricing_type"] = item.PricingType
	}
	if item.ProductURL != "" {
		view["product_url"] = item.ProductURL
	}
	if item.SKU != "" {
		view["sku"] = item.SKU
	}
	if item.ReplacementItemID != nil {
		view["replacement_item_id"] = *item.ReplacementItemID
	}
	return view
}

func auditView(event store.AuditEvent) map[string]any {
	return map[string]any{
		"id":            event.ID,
		"org_id":        event.OrgID,
		"event_type":    event.EventType,
		"actor_id":      event.ActorID,
		"resource_type": event.ResourceType,
		"resource_id":   event.ResourceID,
		"metadata":      json.RawMessage(orJSONObject(event.Metadata)),
		"created_at":    event.CreatedAt,
	}
}

func orJSONObject(value string) string {
	if strings.TrimSpace(value) == "" {
		return "{}"
	}
	return value
}

func orJSONArray(value string) string {
	if strings.TrimSpace(value) == "" {
		return "[]"
	}
	return value
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func queryInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}
