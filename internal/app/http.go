package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nkowa/api/internal/apperr"
	"nkowa/api/internal/auth"
	"nkowa/api/internal/rbac"
	"nkowa/api/internal/store"
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

// allow writes a 403 and returns false when the session's role may not
// perform action.
func (s *HTTPServer) allow(w http.ResponseWriter, session Session, action rbac.Action) bool {
	if s.service.Can(session.Role, action) {
		return true
	}
	writeError(w, http.StatusForbidden, apperr.CodeForbidden, "Forbidden", nil)
	return false
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
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		if !s.allow(w, session, rbac.ActionRead) {
			return
		}
		values := r.URL.Query()
		limit, err := intParam(values.Get("limit"), "limit")
		if err != nil {
			writeServiceError(w, err)
			return
		}
		offset, err := intParam(values.Get("offset"), "offset")
		if err != nil {
			writeServiceError(w, err)
			return
		}
		collection := store.Collection(strings.TrimSpace(values.Get("collection")))
		if collection == "" {
			collection = store.CollectionWords
		}
		payload, err := s.service.Search(r.Context(), strings.TrimSpace(values.Get("q")), collection, limit, offset)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, apperr.CodeNotFound, "Not found", nil)
		return
	}

	if parts[1] == "suggestions" && len(parts) >= 3 {
		s.handleSuggestions(w, r, session, parts[2:])
		return
	}

	kind, err := kindFromSegment(parts[1])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	s.handleCanonical(w, r, session, kind, parts[2:])
}

func (s *HTTPServer) handleSuggestions(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if parts[0] == "examples" && len(parts) >= 2 {
		switch {
		case r.Method == http.MethodPut && len(parts) == 2 && parts[1] == "reviews":
			if !s.allow(w, session, rbac.ActionSuggest) {
				return
			}
			var body []BatchReviewInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			results, err := s.service.ReviewPronunciations(r.Context(), body, session)
			if err != nil {
				writeServiceError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, results)
			return
		case r.Method == http.MethodGet && len(parts) == 3 && parts[1] == "random":
			if !s.allow(w, session, rbac.ActionSuggest) {
				return
			}
			limit, err := intParam(r.URL.Query().Get("limit"), "limit")
			if err != nil {
				writeServiceError(w, err)
				return
			}
			var docs []*store.ExampleSuggestion
			switch parts[2] {
			case "record":
				docs, err = s.service.RandomForRecording(r.Context(), limit, session)
			case "review":
				docs, err = s.service.RandomForReview(r.Context(), limit, session)
			default:
				writeError(w, http.StatusNotFound, apperr.CodeNotFound, "Not found", nil)
				return
			}
			if err != nil {
				writeServiceError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, docs)
			return
		case r.Method == http.MethodPost && len(parts) == 2 && parts[1] == "bulk":
			if !s.allow(w, session, rbac.ActionAdmin) {
				return
			}
			var body []store.ExampleFields
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			results, err := s.service.BulkUploadExamples(r.Context(), body, session)
			if err != nil {
				writeServiceError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, results)
			return
		}
	}

	kind, err := kindFromSegment(parts[0])
	if err != nil {
		writeServiceError(w, err)
		return
	}

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			if !s.allow(w, session, rbac.ActionRead) {
				return
			}
			page, err := s.service.ListSuggestions(r.Context(), kind, r.URL.Query())
			if err != nil {
				writeServiceError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, page)
		case http.MethodPost:
			if !s.allow(w, session, rbac.ActionSuggest) {
				return
			}
			var body json.RawMessage
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			doc, err := s.service.CreateSuggestion(r.Context(), kind, body, session)
			if err != nil {
				writeServiceError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, doc)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	id := parts[1]
	if len(parts) == 2 {
		switch r.Method {
		case http.MethodGet:
			if !s.allow(w, session, rbac.ActionRead) {
				return
			}
			doc, err := s.service.GetSuggestion(r.Context(), kind, id)
			if err != nil {
				writeServiceError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, doc)
		case http.MethodPut:
			if !s.allow(w, session, rbac.ActionSuggest) {
				return
			}
			var body json.RawMessage
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			doc, err := s.service.UpdateSuggestion(r.Context(), kind, id, body, session)
			if err != nil {
				writeServiceError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, doc)
		case http.MethodDelete:
			if err := s.service.DeleteSuggestion(r.Context(), kind, id, session); err != nil {
				writeServiceError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": id})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	var (
		payload any
		action  rbac.Action
		run     func() (any, error)
	)
	switch {
	case len(parts) == 3 && parts[2] == "approve":
		action = rbac.ActionReview
		run = func() (any, error) { return s.service.ApproveSuggestion(r.Context(), kind, id, session) }
	case len(parts) == 3 && parts[2] == "deny":
		action = rbac.ActionReview
		run = func() (any, error) { return s.service.DenySuggestion(r.Context(), kind, id, session) }
	case len(parts) == 3 && parts[2] == "request-merge":
		action = rbac.ActionSuggest
		run = func() (any, error) { return s.service.RequestMerge(r.Context(), kind, id, session) }
	case len(parts) == 3 && parts[2] == "merge":
		action = rbac.ActionMerge
		run = func() (any, error) { return s.service.MergeSuggestion(r.Context(), kind, id, session) }
	case len(parts) == 3 && parts[2] == "pronunciations":
		action = rbac.ActionSuggest
		var body struct {
			Audio string `json:"audio"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		run = func() (any, error) { return s.service.AddPronunciation(r.Context(), kind, id, body.Audio, session) }
	case len(parts) == 5 && parts[2] == "pronunciations" && parts[4] == "archive":
		action = rbac.ActionReview
		run = func() (any, error) { return s.service.ArchivePronunciation(r.Context(), kind, id, parts[3]) }
	default:
		writeError(w, http.StatusNotFound, apperr.CodeNotFound, "Not found", nil)
		return
	}

	if !s.allow(w, session, action) {
		return
	}
	payload, err = run()
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleCanonical(w http.ResponseWriter, r *http.Request, session Session, kind store.SuggestionKind, parts []string) {
	if kind == store.KindWord && len(parts) == 2 && parts[1] == "combine" {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		if !s.allow(w, session, rbac.ActionMerge) {
			return
		}
		var body struct {
			SecondaryID string `json:"secondaryId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		word, err := s.service.CombineWords(r.Context(), parts[0], strings.TrimSpace(body.SecondaryID), session)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, word)
		return
	}

	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}
	if !s.allow(w, session, rbac.ActionRead) {
		return
	}

	var (
		payload any
		err     error
	)
	switch {
	case len(parts) == 0:
		payload, err = s.service.ListCanonical(r.Context(), kind, r.URL.Query())
	case len(parts) == 1:
		payload, err = s.service.GetCanonical(r.Context(), kind, parts[0])
	case len(parts) == 2 && parts[1] == "history":
		var limit int
		if limit, err = intParam(r.URL.Query().Get("limit"), "limit"); err == nil {
			payload, err = s.service.CanonicalHistory(r.Context(), kind, parts[0], limit)
		}
	case len(parts) == 3 && parts[1] == "history":
		payload, err = s.service.CanonicalVersion(r.Context(), kind, parts[0], parts[2])
	default:
		writeError(w, http.StatusNotFound, apperr.CodeNotFound, "Not found", nil)
		return
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
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
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
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

func writeServiceError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
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

func intParam(raw, name string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.Validation(name+" must be an integer", map[string]string{name: raw})
	}
	return parsed, nil
}

func mapError(err error) (status int, code, message string, details any) {
	if appErr, ok := apperr.As(err); ok {
		return appErr.Status, appErr.Code, appErr.Message, appErr.Details
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	log.Printf("app: unhandled error: %v", err)
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
