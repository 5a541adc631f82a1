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

	"fieldshare/internal/auth"
	"fieldshare/internal/authpw"
	"fieldshare/internal/mapping"
	"fieldshare/internal/rbac"
	"fieldshare/internal/search"
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

// allow writes a 403 and returns false when role may not perform action.
func (s *HTTPServer) allow(w http.ResponseWriter, session Session, action rbac.Action) bool {
	if !s.service.Can(session.Role, action) {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
		return false
	}
	return true
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
			"backends": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["backends"] = map[string]any{
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

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signup" {
		s.handleAuthSignUp(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signin" {
		s.handleAuthSignIn(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/reset-password/request" {
		s.handleAuthRequestReset(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/reset-password" {
		s.handleAuthResetPassword(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"userName":      session.UserName,
			"userId":        session.UserID,
			"role":          session.Role,
			"institution":   session.Institution,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/refresh" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Refresh(r.Context(), body.RefreshToken)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Refresh token invalid", nil)
			return
		}
		writeJSON(w, http.StatusOK, sessionPayload(session))
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/logout" {
		session := Session{}
		if token := bearerToken(r); token != "" {
			if parsed, err := s.service.SessionFromToken(r.Context(), token); err == nil {
				session = parsed
			}
		}
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		_ = decodeBody(r, &body)
		_ = s.service.Logout(r.Context(), session, body.RefreshToken)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/institutions" {
		if !s.allow(w, session, rbac.ActionRead) {
			return
		}
		items, err := s.service.ListInstitutions(r.Context())
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"institutions": items})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		if !s.allow(w, session, rbac.ActionRead) {
			return
		}
		query := search.Query{
			Text:              strings.TrimSpace(r.URL.Query().Get("q")),
			FilterType:        search.ResultType(strings.TrimSpace(r.URL.Query().Get("type"))),
			FilterSchemaKey:   strings.TrimSpace(r.URL.Query().Get("schema")),
			FilterInstitution: strings.TrimSpace(r.URL.Query().Get("institution")),
		}
		var err error
		if query.Limit, err = queryInt(r, "limit", 20); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
			return
		}
		if query.Offset, err = queryInt(r, "offset", 0); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "offset must be an integer", nil)
			return
		}
		if query.Text == "" {
			writeJSON(w, http.StatusOK, search.Response{Results: []search.Result{}, Query: ""})
			return
		}
		if rbac.Normalize(session.Role) != rbac.RoleAdmin {
			if session.Institution == "" {
				writeJSON(w, http.StatusOK, search.Response{Results: []search.Result{}, Query: query.Text})
				return
			}
			query.FilterInstitution = session.Institution
		}
		writeJSON(w, http.StatusOK, s.service.Search(query))
		return
	}

	if r.URL.Path == "/api/mappings" || r.URL.Path == "/api/mappings/sync-status" {
		s.handleMappings(w, r, session)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) == 3 && parts[0] == "api" && parts[1] == "institutions" && r.Method == http.MethodPut {
		if !s.allow(w, session, rbac.ActionAdmin) {
			return
		}
		var body struct {
			Name         string `json:"name"`
			ContactEmail string `json:"contactEmail"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		item, err := s.service.SaveInstitution(r.Context(), parts[2], body.Name, body.ContactEmail)
		respond(w, item, err)
		return
	}

	if len(parts) == 4 && parts[0] == "api" && parts[1] == "users" && parts[3] == "access" && r.Method == http.MethodPut {
		if !s.allow(w, session, rbac.ActionAdmin) {
			return
		}
		var body struct {
			Role        string `json:"role"`
			Institution string `json:"institution"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		item, err := s.service.SetUserAccess(r.Context(), parts[2], body.Role, body.Institution)
		respond(w, item, err)
		return
	}

	if len(parts) == 2 && parts[0] == "api" && parts[1] == "schemas" && r.Method == http.MethodGet {
		if !s.allow(w, session, rbac.ActionRead) {
			return
		}
		keys, err := s.service.ListSchemas(r.Context())
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"schemas": keys})
		return
	}
	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "schemas" {
		s.handleSchema(w, r, session, parts[2], parts[3:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
}

func (s *HTTPServer) handleSchema(w http.ResponseWriter, r *http.Request, session Session, schemaKey string, parts []string) {
	if len(parts) == 0 && r.Method == http.MethodGet {
		if !s.allow(w, session, rbac.ActionRead) {
			return
		}
		summary, err := s.service.SchemaSummary(r.Context(), schemaKey)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, summary)
		return
	}

	if len(parts) == 1 && parts[0] == "fields" && r.Method == http.MethodGet {
		if !s.allow(w, session, rbac.ActionRead) {
			return
		}
		groups, err := s.service.FieldCatalog(r.Context(), schemaKey)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"groups": groups})
		return
	}

	if len(parts) == 1 && parts[0] == "shares" && r.Method == http.MethodPut {
		if !s.allow(w, session, rbac.ActionAdmin) {
			return
		}
		var body struct {
			UniqueID     string   `json:"uniqueId"`
			Institutions []string `json:"institutions"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if strings.TrimSpace(body.UniqueID) == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "uniqueId is required", nil)
			return
		}
		payload, err := s.service.UpdateSharing(r.Context(), session, schemaKey, body.UniqueID, body.Institutions)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if len(parts) >= 3 && parts[0] == "institutions" {
		institution := parts[1]
		if !s.service.CanAccessInstitution(session, institution) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		s.handleInstitution(w, r, session, schemaKey, institution, parts[2:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
}

// handleInstitution serves the draft and commit log of one institution.
func (s *HTTPServer) handleInstitution(w http.ResponseWriter, r *http.Request, session Session, schemaKey, institution string, parts []string) {
	ctx := r.Context()

	switch {
	case len(parts) == 1 && parts[0] == "draft" && r.Method == http.MethodGet:
		if !s.allow(w, session, rbac.ActionRead) {
			return
		}
		view, err := s.service.Draft(ctx, session, schemaKey, institution)
		respond(w, view, err)

	case len(parts) == 1 && parts[0] == "nodes" && r.Method == http.MethodGet:
		if !s.allow(w, session, rbac.ActionRead) {
			return
		}
		nodes, err := s.service.Nodes(ctx, session, schemaKey, institution, r.URL.Query().Get("scope"))
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"nodes": nodes})

	case len(parts) == 1 && parts[0] == "toggle" && r.Method == http.MethodPost:
		if !s.allow(w, session, rbac.ActionEdit) {
			return
		}
		var body struct {
			UniqueID string `json:"uniqueId"`
			Checked  bool   `json:"checked"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if strings.TrimSpace(body.UniqueID) == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "uniqueId is required", nil)
			return
		}
		view, err := s.service.Toggle(ctx, session, schemaKey, institution, body.UniqueID, body.Checked)
		respond(w, view, err)

	case len(parts) == 1 && parts[0] == "confirmation" && r.Method == http.MethodGet:
		if !s.allow(w, session, rbac.ActionRead) {
			return
		}
		view, err := s.service.Draft(ctx, session, schemaKey, institution)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"phase": view.Phase, "confirmation": view.Confirmation})

	case len(parts) == 2 && parts[0] == "confirmation" && r.Method == http.MethodPost:
		if !s.allow(w, session, rbac.ActionEdit) {
			return
		}
		var (
			view DraftView
			err  error
		)
		switch parts[1] {
		case "accept":
			view, err = s.service.AcceptConfirmation(ctx, session, schemaKey, institution)
		case "cancel":
			view, err = s.service.CancelConfirmation(ctx, session, schemaKey, institution)
		case "close":
			view, err = s.service.CloseConfirmation(ctx, session, schemaKey, institution)
		default:
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
			return
		}
		respond(w, view, err)

	case len(parts) == 1 && parts[0] == "changes" && r.Method == http.MethodGet:
		if !s.allow(w, session, rbac.ActionRead) {
			return
		}
		changes, err := s.service.Changes(ctx, session, schemaKey, institution)
		respond(w, changes, err)

	case len(parts) == 2 && parts[0] == "changes" && parts[1] == "scope" && r.Method == http.MethodGet:
		if !s.allow(w, session, rbac.ActionRead) {
			return
		}
		payload, err := s.service.ScopeChanges(ctx, session, schemaKey, institution, r.URL.Query().Get("scope"))
		respond(w, payload, err)

	case len(parts) == 1 && parts[0] == "discard" && r.Method == http.MethodPost:
		if !s.allow(w, session, rbac.ActionEdit) {
			return
		}
		view, err := s.service.Discard(ctx, session, schemaKey, institution)
		respond(w, view, err)

	case len(parts) == 1 && parts[0] == "discard-automated" && r.Method == http.MethodPost:
		if !s.allow(w, session, rbac.ActionEdit) {
			return
		}
		view, err := s.service.DiscardAutomated(ctx, session, schemaKey, institution)
		respond(w, view, err)

	case len(parts) == 1 && parts[0] == "commit" && r.Method == http.MethodPost:
		if !s.allow(w, session, rbac.ActionCommit) {
			return
		}
		var body struct {
			Message string `json:"message"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		commit, err := s.service.Commit(ctx, session, schemaKey, institution, body.Message)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"commit": commit})

	case len(parts) == 1 && parts[0] == "commits" && r.Method == http.MethodGet:
		if !s.allow(w, session, rbac.ActionRead) {
			return
		}
		limit, err := queryInt(r, "limit", 50)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
			return
		}
		commits, err := s.service.ListCommits(ctx, schemaKey, institution, limit)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"commits": commits})

	case len(parts) == 3 && parts[0] == "commits" && parts[2] == "revert" && r.Method == http.MethodPost:
		if !s.allow(w, session, rbac.ActionCommit) {
			return
		}
		var body struct {
			Message string `json:"message"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		commit, err := s.service.RevertCommit(ctx, session, schemaKey, institution, parts[1], body.Message)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"commit": commit})

	case len(parts) == 3 && parts[0] == "commits" && parts[2] == "receipt" && r.Method == http.MethodGet:
		if !s.allow(w, session, rbac.ActionRead) {
			return
		}
		result, err := s.service.Receipt(ctx, schemaKey, institution, parts[1], r.URL.Query().Get("format"))
		if err != nil {
			writeMappedError(w, err)
			return
		}
		w.Header().Set("Content-Disposition", "attachment; filename=\""+result.Filename+"\"")
		w.Header().Set("Content-Type", result.MimeType)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(result.Data)

	case len(parts) == 1 && parts[0] == "history" && r.Method == http.MethodGet:
		if !s.allow(w, session, rbac.ActionRead) {
			return
		}
		limit, err := queryInt(r, "limit", 50)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
			return
		}
		revisions, err := s.service.History(schemaKey, institution, limit)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"history": revisions})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	}
}

func (s *HTTPServer) handleMappings(w http.ResponseWriter, r *http.Request, session Session) {
	if r.URL.Path == "/api/mappings/sync-status" {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		var body struct {
			Institution    string               `json:"institution"`
			Values         []mapping.FieldValue `json:"values"`
			InstitutionDoc any                  `json:"institutionDoc"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if !s.allow(w, session, rbac.ActionRead) {
			return
		}
		if !s.service.CanAccessInstitution(session, body.Institution) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		statuses, err := s.service.SyncStatus(r.Context(), body.Institution, body.Values, body.InstitutionDoc)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"statuses": statuses})
		return
	}

	switch r.Method {
	case http.MethodGet:
		institution := strings.TrimSpace(r.URL.Query().Get("institution"))
		if institution == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "institution is required", nil)
			return
		}
		if !s.allow(w, session, rbac.ActionRead) {
			return
		}
		if !s.service.CanAccessInstitution(session, institution) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		items, err := s.service.ListMappings(r.Context(), institution)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"mappings": items})
	case http.MethodPost:
		if !s.allow(w, session, rbac.ActionAdmin) {
			return
		}
		var body mapping.Mapping
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		item, err := s.service.SaveMapping(r.Context(), session, body)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"mapping": item})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
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

func writeMappedError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError && code == "SERVER_ERROR" {
		log.Printf("http: %v", err)
	}
	writeError(w, status, code, message, details)
}

func respond(w http.ResponseWriter, payload any, err error) {
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
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
	token, _ := auth.BearerToken(r.Header.Get("Authorization"))
	return token
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

func sessionPayload(session Session) map[string]any {
	return map[string]any{
		"token":        session.Token,
		"refreshToken": session.RefreshToken,
		"userName":     session.UserName,
		"userId":       session.UserID,
		"role":         session.Role,
		"institution":  session.Institution,
	}
}

func (s *HTTPServer) handleAuthSignUp(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email       string `json:"email"`
		Password    string `json:"password"`
		DisplayName string `json:"displayName"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	session, err := s.service.SignUp(r.Context(), authpw.SignUpRequest{
		Email:       body.Email,
		Password:    body.Password,
		DisplayName: body.DisplayName,
	})
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionPayload(session))
}

func (s *HTTPServer) handleAuthSignIn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	session, err := s.service.SignIn(r.Context(), body.Email, body.Password)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(session))
}

func (s *HTTPServer) handleAuthRequestReset(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	token, err := s.service.RequestPasswordReset(r.Context(), body.Email)
	if err != nil {
		log.Printf("authpw: reset request: %v", err)
	}

	response := map[string]any{
		"message": "If an account exists, a reset email has been sent",
	}
	// Dev bypass: without SMTP the token comes back in the response.
	if token != "" {
		response["devResetToken"] = token
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) handleAuthResetPassword(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token       string `json:"token"`
		NewPassword string `json:"newPassword"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	if err := s.service.ResetPassword(r.Context(), body.Token, body.NewPassword); err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Password reset successfully",
	})
}
