package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"stepdocs/api/internal/auth"
	"stepdocs/api/internal/logger"
	"stepdocs/api/internal/rbac"
	"stepdocs/api/internal/search"
	"stepdocs/api/internal/store"
	"stepdocs/api/internal/versioning"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
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

		ready, checks := s.service.Readiness(ctx)
		status := "ready"
		statusCode := http.StatusOK
		if !ready {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     ready,
			"status": status,
			"checks": checks,
		})
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	parts := splitPath(r.URL.Path)

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		if !s.authorize(w, r, session, rbac.ActionRead) {
			return
		}
		query := r.URL.Query()
		q := search.Query{
			Text:         strings.TrimSpace(query.Get("q")),
			DocumentType: strings.TrimSpace(query.Get("type")),
			StepID:       strings.TrimSpace(query.Get("stepId")),
			Limit:        queryInt(query.Get("limit")),
			Offset:       queryInt(query.Get("offset")),
		}
		writeJSON(w, http.StatusOK, s.service.Search(r.Context(), q))
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/sweep" {
		if !s.authorize(w, r, session, rbac.ActionSweep) {
			return
		}
		var body struct {
			StepIDs []string `json:"stepIds"`
			All     bool     `json:"all"`
			Limit   int      `json:"limit"`
			DryRun  bool     `json:"dryRun"`
			Workers int      `json:"workers"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, CodeInvalidBody, err.Error(), nil)
			return
		}
		if !body.All && len(body.StepIDs) == 0 {
			writeError(w, http.StatusBadRequest, CodeInvalidBody, "stepIds or all is required", nil)
			return
		}
		report, err := s.service.Sweep(r.Context(), SweepOptions{
			StepIDs: body.StepIDs,
			All:     body.All,
			Limit:   body.Limit,
			DryRun:  body.DryRun,
			Workers: body.Workers,
		})
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/steps" {
		if !s.authorize(w, r, session, rbac.ActionUpload) {
			return
		}
		var body CreateStepInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, CodeInvalidBody, err.Error(), nil)
			return
		}
		step, err := s.service.CreateStep(r.Context(), body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"step": stepView(step)})
		return
	}

	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "steps" {
		s.handleSteps(w, r, session, parts[2], parts[3:])
		return
	}

	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "documents" {
		s.handleDocuments(w, r, session, parts[2], parts[3:])
		return
	}

	writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
}

func (s *HTTPServer) handleSteps(w http.ResponseWriter, r *http.Request, session Session, stepID string, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		if !s.authorize(w, r, session, rbac.ActionRead) {
			return
		}
		step, err := s.service.GetStep(r.Context(), stepID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"step": stepView(step)})
		return

	case len(rest) == 1 && rest[0] == "documents" && r.Method == http.MethodPost:
		if !s.authorize(w, r, session, rbac.ActionUpload) {
			return
		}
		var body struct {
			DocumentType string  `json:"documentType"`
			OriginalName string  `json:"originalName"`
			StorageKey   string  `json:"storageKey"`
			DownloadURL  string  `json:"downloadUrl"`
			SizeBytes    int64   `json:"sizeBytes"`
			MimeType     string  `json:"mimeType"`
			SessionID    *string `json:"sessionId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, CodeInvalidBody, err.Error(), nil)
			return
		}
		result, err := s.service.RecordUpload(r.Context(), UploadRecord{
			StepID:       stepID,
			DocumentType: body.DocumentType,
			OriginalName: body.OriginalName,
			StorageKey:   body.StorageKey,
			DownloadURL:  body.DownloadURL,
			SizeBytes:    body.SizeBytes,
			MimeType:     body.MimeType,
			UploaderID:   session.ActorID,
			SessionID:    body.SessionID,
		})
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"document":  documentView(result.Document),
			"discarded": result.Discarded,
			"rebuild":   rebuildView(result.Rebuild),
		})
		return

	case len(rest) == 2 && rest[0] == "documents" && rest[1] == "current" && r.Method == http.MethodGet:
		if !s.authorize(w, r, session, rbac.ActionRead) {
			return
		}
		current, err := s.service.CurrentDocuments(r.Context(), stepID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		items := make([]map[string]any, 0, len(current))
		for _, doc := range current {
			item := documentView(doc.Document)
			item["sessionNumber"] = doc.SessionNumber
			item["totalSessions"] = doc.TotalSessions
			item["isLatestSession"] = doc.IsLatestSession
			items = append(items, item)
		}
		writeJSON(w, http.StatusOK, map[string]any{"stepId": stepID, "documents": items})
		return

	case len(rest) == 2 && rest[0] == "documents" && rest[1] == "history" && r.Method == http.MethodGet:
		if !s.authorize(w, r, session, rbac.ActionRead) {
			return
		}
		order, err := versioning.ParseOrder(r.URL.Query().Get("order"))
		if err != nil {
			writeError(w, http.StatusBadRequest, CodeInvalidOrder, err.Error(), map[string]any{"allowed": []string{"newest", "oldest"}})
			return
		}
		history, err := s.service.VersionHistory(r.Context(), stepID, order)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		sessions := make([]map[string]any, 0, len(history))
		for _, entry := range history {
			docs := make([]map[string]any, 0, len(entry.Documents))
			for _, doc := range entry.Documents {
				docs = append(docs, documentView(doc))
			}
			sessions = append(sessions, map[string]any{
				"sessionId":       entry.SessionID,
				"sessionNumber":   entry.SessionNumber,
				"totalSessions":   entry.TotalSessions,
				"isLatestSession": entry.IsLatestSession,
				"documentCount":   entry.DocumentCount,
				"createdAt":       entry.CreatedAt.UTC().Format(time.RFC3339Nano),
				"documents":       docs,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"stepId": stepID, "order": order.String(), "sessions": sessions})
		return

	case len(rest) == 1 && rest[0] == "rebuild" && r.Method == http.MethodPost:
		if !s.authorize(w, r, session, rbac.ActionRebuild) {
			return
		}
		result, err := s.service.Rebuild(r.Context(), stepID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, rebuildView(result))
		return

	case len(rest) == 1 && rest[0] == "verify" && r.Method == http.MethodGet:
		if !s.authorize(w, r, session, rbac.ActionVerify) {
			return
		}
		report, err := s.service.Verify(r.Context(), stepID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
		return
	}

	writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
}

func (s *HTTPServer) handleDocuments(w http.ResponseWriter, r *http.Request, session Session, documentID string, rest []string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
		return
	}
	if !s.authorize(w, r, session, rbac.ActionRead) {
		return
	}

	switch {
	case len(rest) == 0:
		doc, err := s.service.GetDocument(r.Context(), documentID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"document": documentView(doc)})
		return

	case len(rest) == 1 && rest[0] == "download":
		url, err := s.service.DownloadURL(r.Context(), documentID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		w.Header().Set("Location", url)
		writeJSON(w, http.StatusFound, map[string]any{"url": url})
		return
	}

	writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
}

func (s *HTTPServer) authorize(w http.ResponseWriter, r *http.Request, session Session, action rbac.Action) bool {
	if s.service.Can(session.Role, action) {
		return true
	}
	logger.FromContext(r.Context(), s.service.log).Warn("forbidden",
		"actor_id", session.ActorID,
		"role", session.Role,
		"action", string(action),
	)
	writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	return false
}

// fail writes the mapped error. Server errors are logged with their cause
// since the response hides it.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		logger.FromContext(r.Context(), s.service.log).Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, CodeServerError, "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		reqLog := s.service.log.With("request_id", requestID)
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		ctx = logger.WithContext(ctx, reqLog)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		reqLog.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
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
		if errors.Is(err, http.ErrBodyReadAfterClose) {
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

func queryInt(value string) int {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0
	}
	return n
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound, CodeNotFound, "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, CodeServerError, "Server error", nil
}

func stepView(step store.Step) map[string]any {
	return map[string]any{
		"id":         step.ID,
		"timelineId": step.TimelineID,
		"name":       step.Name,
		"createdAt":  step.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func documentView(doc store.Document) map[string]any {
	view := map[string]any{
		"id":             doc.ID,
		"stepId":         doc.StepID,
		"documentType":   doc.DocumentType,
		"originalName":   doc.OriginalName,
		"storageKey":     doc.StorageKey,
		"downloadUrl":    doc.DownloadURL,
		"sizeBytes":      doc.SizeBytes,
		"mimeType":       doc.MimeType,
		"uploadedBy":     doc.UploadedBy,
		"createdAt":      doc.CreatedAt.UTC().Format(time.RFC3339Nano),
		"sessionId":      doc.SessionID,
		"version":        doc.Version,
		"isCurrent":      doc.IsCurrent,
		"supersededById": doc.SupersededByID,
		"supersededAt":   nil,
		"state":          versioning.StateOf(doc),
	}
	if doc.SupersededAt != nil {
		view["supersededAt"] = doc.SupersededAt.UTC().Format(time.RFC3339Nano)
	}
	return view
}

func rebuildView(result RebuildResult) map[string]any {
	conflicts := make([]map[string]any, 0, len(result.Conflicts))
	for _, conflict := range result.Conflicts {
		conflicts = append(conflicts, map[string]any{
			"sessionId":    conflict.SessionID,
			"documentType": conflict.DocumentType,
			"keptId":       conflict.KeptID,
			"tiedIds":      conflict.TiedIDs,
		})
	}
	removed := result.Removed
	if removed == nil {
		removed = []string{}
	}
	updated := result.Updated
	if updated == nil {
		updated = []string{}
	}
	return map[string]any{
		"stepId":    result.StepID,
		"sessions":  result.Sessions,
		"removed":   removed,
		"updated":   updated,
		"conflicts": conflicts,
		"changed":   result.Changed,
	}
}
