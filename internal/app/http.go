package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"happysrt/api/internal/auth"
	"happysrt/api/internal/metrics"
	"happysrt/api/internal/thread"
	"happysrt/api/internal/util"
)

const (
	GuestCookieName   = "hs_guest_id"
	guestCookieMaxAge = 365 * 24 * 60 * 60
	multipartMemory   = 8 << 20
)

var knownRoutes = map[string]struct{}{
	"/api/health":               {},
	"/api/ready":                {},
	"/api/session":              {},
	"/api/threads/create":       {},
	"/api/threads/rename":       {},
	"/api/threads/delete":       {},
	"/api/threads/get":          {},
	"/api/threads/index":        {},
	"/api/threads/draft/upload": {},
	"/api/threads/draft/delete": {},
}

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	var api http.Handler = http.HandlerFunc(s.handle)
	if limit := s.service.cfg.RateLimitPerMinute; limit > 0 {
		api = httprate.Limit(limit, time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
				writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests", nil)
			}),
		)(api)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", s.withMiddleware(api))
	return mux
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
		checks := map[string]any{}
		for _, check := range s.service.readinessChecks() {
			if err := check.ping(ctx); err != nil {
				status = "not_ready"
				statusCode = http.StatusServiceUnavailable
				checks[check.name] = map[string]any{
					"status": "error",
					"error":  err.Error(),
				}
				continue
			}
			checks[check.name] = map[string]any{"status": "ok"}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		s.handleSession(w, r)
		return
	}

	if !strings.HasPrefix(r.URL.Path, "/api/threads/") {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	if _, ok := knownRoutes[r.URL.Path]; !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	switch r.URL.Path {
	case "/api/threads/draft/upload":
		caller, ok := s.resolveCaller(w, r)
		if !ok {
			return
		}
		s.handleDraftUpload(w, r, caller)
		return
	case "/api/threads/draft/delete":
		caller, ok := s.resolveCaller(w, r)
		if !ok {
			return
		}
		var body struct {
			ThreadID string `json:"threadId"`
			ItemID   string `json:"itemId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.DeleteDraft(r.Context(), caller, body.ThreadID, body.ItemID)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"ok":             true,
			"threadId":       result.ThreadID,
			"itemId":         result.ItemID,
			"draftRev":       result.DraftRev,
			"draftUpdatedAt": result.DraftUpdatedAt,
			"updatedAt":      result.UpdatedAt,
		})
		return
	}

	caller, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	switch r.URL.Path {
	case "/api/threads/create":
		var body CreateThreadInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		created, err := s.service.CreateThread(r.Context(), caller, body)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "thread": created})

	case "/api/threads/rename":
		var body RenameThreadInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.RenameThread(r.Context(), caller, body)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"ok":        true,
			"threadId":  result.ThreadID,
			"title":     result.Title,
			"version":   result.Version,
			"updatedAt": result.UpdatedAt,
		})

	case "/api/threads/delete":
		var body struct {
			ThreadID string `json:"threadId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		deletedAt, err := s.service.DeleteThread(r.Context(), caller, body.ThreadID)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "threadId": strings.TrimSpace(body.ThreadID), "deletedAt": deletedAt})

	case "/api/threads/get":
		var body struct {
			ThreadID string `json:"threadId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		item, err := s.service.GetThread(r.Context(), caller, body.ThreadID)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "thread": item})

	case "/api/threads/index":
		var body struct {
			Since *string `json:"since"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		var since *time.Time
		if body.Since != nil && strings.TrimSpace(*body.Since) != "" {
			parsed, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(*body.Since))
			if err != nil {
				writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "since must be an RFC 3339 timestamp", nil)
				return
			}
			since = &parsed
		}
		index, err := s.service.IndexThreads(r.Context(), caller, since)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "serverTime": index.ServerTime, "threads": index.Threads})
	}
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	var caller Caller
	authenticated := false
	if token := bearerToken(r); token != "" {
		resolved, err := s.service.Identify(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userId": nil})
			return
		}
		caller = resolved
		authenticated = true
	} else {
		caller = s.service.GuestCaller(guestCookie(r))
	}

	payload := map[string]any{
		"authenticated": authenticated,
		"plan":          caller.Plan,
		"threadLimit":   caller.Plan.ThreadLimit(),
	}
	if authenticated {
		payload["userId"] = caller.Owner.UserID()
		payload["email"] = caller.Email
		payload["name"] = caller.Name
	} else {
		payload["userId"] = nil
	}
	if authenticated || caller.Owner.GuestID() != "" {
		usage, err := s.service.Usage(r.Context(), caller)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		payload["storage"] = usage
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleDraftUpload(w http.ResponseWriter, r *http.Request, caller Caller) {
	input, cleanup, err := s.readUpload(w, r)
	if cleanup != nil {
		defer cleanup()
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", "File exceeds the upload size limit", map[string]any{"maxBytes": s.service.maxUploadBytes()})
			return
		}
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	result, err := s.service.UploadDraft(r.Context(), caller, input)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":             true,
		"threadId":       result.ThreadID,
		"itemId":         result.ItemID,
		"draftRev":       result.DraftRev,
		"draftUpdatedAt": result.DraftUpdatedAt,
		"updatedAt":      result.UpdatedAt,
		"draftFile":      result.DraftFile,
		"storage":        result.Storage,
	})
}

// readUpload accepts either a multipart form with an optional "file" part or
// a JSON body for entries that carry no bytes.
func (s *HTTPServer) readUpload(w http.ResponseWriter, r *http.Request) (UploadDraftInput, func(), error) {
	var input UploadDraftInput
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		var body struct {
			ThreadID     string            `json:"threadId"`
			ItemID       string            `json:"itemId"`
			ClientFileID string            `json:"clientFileId"`
			SourceType   string            `json:"sourceType"`
			URL          string            `json:"url"`
			Local        *thread.LocalMeta `json:"local"`
		}
		if err := decodeBody(r, &body); err != nil {
			return input, nil, err
		}
		input = UploadDraftInput{
			ThreadID:     body.ThreadID,
			ItemID:       body.ItemID,
			ClientFileID: body.ClientFileID,
			SourceType:   body.SourceType,
			URL:          body.URL,
			Local:        body.Local,
		}
		if body.Local != nil {
			input.Mime = body.Local.Mime
			input.Filename = body.Local.Name
		}
		return input, nil, nil
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.service.maxUploadBytes()+multipartMemory)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return input, nil, err
		}
		return input, nil, fmt.Errorf("invalid multipart body")
	}
	cleanup := func() { _ = r.MultipartForm.RemoveAll() }

	input = UploadDraftInput{
		ThreadID:     r.FormValue("threadId"),
		ItemID:       r.FormValue("itemId"),
		ClientFileID: r.FormValue("clientFileId"),
		SourceType:   r.FormValue("sourceType"),
		URL:          r.FormValue("url"),
	}
	raw := strings.TrimSpace(r.FormValue("localMeta"))
	if raw == "" {
		raw = strings.TrimSpace(r.FormValue("local"))
	}
	if raw != "" {
		var local thread.LocalMeta
		if err := json.Unmarshal([]byte(raw), &local); err != nil {
			return input, cleanup, fmt.Errorf("invalid local metadata")
		}
		input.Local = &local
		input.Mime = local.Mime
		input.Filename = local.Name
	}

	file, header, err := r.FormFile("file")
	if errors.Is(err, http.ErrMissingFile) {
		return input, cleanup, nil
	}
	if err != nil {
		return input, cleanup, fmt.Errorf("invalid file part")
	}
	input.File = file
	input.Size = header.Size
	if header.Filename != "" {
		input.Filename = header.Filename
	}
	if contentType := header.Header.Get("Content-Type"); contentType != "" && contentType != "application/octet-stream" {
		input.Mime = contentType
	}
	return input, func() {
		_ = file.Close()
		cleanup()
	}, nil
}

// requireUser admits only callers with a valid bearer token.
func (s *HTTPServer) requireUser(w http.ResponseWriter, r *http.Request) (Caller, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Caller{}, false
	}
	caller, err := s.service.Identify(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Caller{}, false
		}
		s.service.log.Error("session lookup failed", zap.String("request_id", requestID(r)), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Caller{}, false
	}
	return caller, true
}

// resolveCaller admits signed in users and guests. A bearer token, when sent,
// must be valid; otherwise the guest cookie identifies the caller and is
// issued on first contact.
func (s *HTTPServer) resolveCaller(w http.ResponseWriter, r *http.Request) (Caller, bool) {
	if bearerToken(r) != "" {
		return s.requireUser(w, r)
	}
	guestID := guestCookie(r)
	if guestID == "" {
		guestID = util.NewID()
		http.SetCookie(w, &http.Cookie{
			Name:     GuestCookieName,
			Value:    guestID,
			Path:     "/",
			MaxAge:   guestCookieMaxAge,
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
			Secure:   s.service.cfg.Production(),
		})
	}
	return s.service.GuestCaller(guestID), true
}

func guestCookie(r *http.Request) string {
	cookie, err := r.Cookie(GuestCookieName)
	if err != nil || !util.IsUUID(cookie.Value) {
		return ""
	}
	return cookie.Value
}

func (s *HTTPServer) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.service.log.Error("request failed",
			zap.String("request_id", requestID(r)),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeError(w, status, code, message, details)
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

		route := r.URL.Path
		if _, ok := knownRoutes[route]; !ok {
			route = "other"
		}
		elapsed := time.Since(started)
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(writer.status)).Inc()
		metrics.HTTPDuration.WithLabelValues(route).Observe(elapsed.Seconds())
		s.service.log.Info("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Duration("duration", elapsed),
		)
	})
}

type requestIDKey struct{}

func requestID(r *http.Request) string {
	value, _ := r.Context().Value(requestIDKey{}).(string)
	return value
}

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
	if corsOrigin != "*" {
		header.Set("Access-Control-Allow-Credentials", "true")
		header.Add("Vary", "Origin")
	}
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
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
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
