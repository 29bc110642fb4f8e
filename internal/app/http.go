package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bandbeat/api/internal/auth"
	"bandbeat/api/internal/authpw"
	"bandbeat/api/internal/bot"
	"bandbeat/api/internal/line"
	"bandbeat/api/internal/util"
)

// HTTPServer is the callable JSON API plus the LINE webhook endpoint.
type HTTPServer struct {
	svc           *Service
	engine        *bot.Engine
	channelSecret string
	corsOrigin    string
	webBaseURL    string
}

func NewHTTPServer(svc *Service, engine *bot.Engine, channelSecret, corsOrigin, webBaseURL string) *HTTPServer {
	return &HTTPServer{
		svc:           svc,
		engine:        engine,
		channelSecret: channelSecret,
		corsOrigin:    corsOrigin,
		webBaseURL:    webBaseURL,
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimSuffix(r.URL.Path, "/")
	if path == "" {
		path = "/"
	}

	if path == "/healthz" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
		return
	}
	if path == "/readyz" && r.Method == http.MethodGet {
		if err := s.svc.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "datastore is unreachable", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
		return
	}

	if path == "/webhook/line" && r.Method == http.MethodPost {
		s.handleWebhook(w, r)
		return
	}

	parts := splitPath(path)

	if len(parts) >= 2 && parts[0] == "v1" && parts[1] == "auth" {
		s.handleAuth(w, r, parts[2:])
		return
	}

	if len(parts) >= 1 && parts[0] == "v1" {
		s.handleAPI(w, r, parts[1:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "no such route", nil)
}

// Webhook

// handleWebhook validates the LINE signature and feeds each text message
// event to the dialogue engine. It always answers 200 for a valid signature
// so the platform does not retry events the bot already handled.
func (s *HTTPServer) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "unreadable body", nil)
		return
	}
	if !line.ValidateSignature(s.channelSecret, body, r.Header.Get("X-Line-Signature")) {
		writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "bad webhook signature", nil)
		return
	}

	events, err := line.ParseWebhook(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "malformed webhook body", nil)
		return
	}

	for _, event := range events {
		if event.Type != "message" || event.Message.Type != "text" || event.Source.UserID == "" {
			continue
		}
		s.engine.HandleEvent(r.Context(), bot.InboundMessage{
			UserID:     event.Source.UserID,
			Text:       event.Message.Text,
			ReplyToken: event.ReplyToken,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"handled": true})
}

// Auth routes

func (s *HTTPServer) handleAuth(w http.ResponseWriter, r *http.Request, parts []string) {
	if len(parts) != 1 || r.Method != http.MethodPost {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no such route", nil)
		return
	}

	switch parts[0] {
	case "signup":
		s.handleSignup(w, r)
	case "signin":
		s.handleSignin(w, r)
	case "verify-email":
		s.handleVerifyEmail(w, r)
	case "request-password-reset":
		s.handleRequestPasswordReset(w, r)
	case "reset-password":
		s.handleResetPassword(w, r)
	case "refresh":
		s.handleRefresh(w, r)
	case "logout":
		s.handleLogout(w, r)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no such route", nil)
	}
}

func (s *HTTPServer) handleSignup(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email       string `json:"email"`
		Password    string `json:"password"`
		DisplayName string `json:"displayName"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	resp, err := s.svc.AuthPasswordService().SignUp(r.Context(), authpw.SignUpRequest{
		Email:       body.Email,
		Password:    body.Password,
		DisplayName: body.DisplayName,
	})
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "INVALID_ARGUMENT", err.Error(), nil)
		return
	}

	requiresVerify := resp.RequiresEmailVerify
	if s.svc.SMTPConfigured() {
		verifyURL := s.webBaseURL + "/verify-email?token=" + resp.VerificationToken
		if err := s.svc.EmailService().SendVerificationEmail(body.Email, body.DisplayName, verifyURL); err != nil {
			log.Printf("send verification email: %v", err)
		}
	} else {
		// No mailer, so the token would never reach the user. Verify in place.
		if err := s.svc.AuthPasswordService().VerifyEmail(r.Context(), resp.VerificationToken); err == nil {
			requiresVerify = false
		}
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"memberId":            resp.MemberID,
		"requiresEmailVerify": requiresVerify,
	})
}

func (s *HTTPServer) handleSignin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	resp, err := s.svc.AuthPasswordService().SignIn(r.Context(), authpw.SignInRequest{
		Email:    body.Email,
		Password: body.Password,
	})
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", err.Error(), nil)
		return
	}
	if resp.RequiresVerify {
		writeError(w, http.StatusForbidden, "PERMISSION_DENIED", "email not verified", nil)
		return
	}

	session, err := s.svc.CreateSession(r.Context(), resp.Member.ID)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(session))
}

func (s *HTTPServer) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := s.svc.AuthPasswordService().VerifyEmail(r.Context(), body.Token); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "INVALID_ARGUMENT", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"verified": true})
}

func (s *HTTPServer) handleRequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	token, err := s.svc.AuthPasswordService().RequestPasswordReset(r.Context(), body.Email)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	if token != "" && s.svc.SMTPConfigured() {
		resetURL := s.webBaseURL + "/reset-password?token=" + token
		if err := s.svc.EmailService().SendPasswordResetEmail(body.Email, "", resetURL); err != nil {
			log.Printf("send password reset email: %v", err)
		}
	}
	// Whether the account exists is not revealed.
	writeJSON(w, http.StatusOK, map[string]any{"requested": true})
}

func (s *HTTPServer) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token       string `json:"token"`
		NewPassword string `json:"newPassword"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := s.svc.AuthPasswordService().ResetPassword(r.Context(), authpw.ResetPasswordRequest{
		Token:       body.Token,
		NewPassword: body.NewPassword,
	}); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "INVALID_ARGUMENT", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reset": true})
}

func (s *HTTPServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.RefreshToken == "" {
		writeError(w, http.StatusUnprocessableEntity, "INVALID_ARGUMENT", "refreshToken is required", nil)
		return
	}
	session, err := s.svc.Refresh(r.Context(), body.RefreshToken)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "refresh token is not valid", nil)
		return
	}
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(session))
}

func (s *HTTPServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	// Logout body is optional; without it only the access token is revoked.
	_ = json.NewDecoder(r.Body).Decode(&body)
	if err := s.svc.Logout(r.Context(), session, body.RefreshToken); err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"loggedOut": true})
}

// API routes

func (s *HTTPServer) handleAPI(w http.ResponseWriter, r *http.Request, parts []string) {
	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	// /v1/me
	if len(parts) == 1 && parts[0] == "me" {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, map[string]any{
				"id":       session.MemberID,
				"name":     session.MemberName,
				"role":     session.Role,
				"approved": session.Approved,
			})
		case http.MethodDelete:
			if err := s.svc.DeleteAccount(ctx, session); err != nil {
				s.writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
		default:
			writeError(w, http.StatusMethodNotAllowed, "INVALID_ARGUMENT", "method not allowed", nil)
		}
		return
	}

	// /v1/me/approve
	if len(parts) == 2 && parts[0] == "me" && parts[1] == "approve" && r.Method == http.MethodPost {
		var body struct {
			Code string `json:"code"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		member, err := s.svc.ApproveWithCode(ctx, session, body.Code)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, member)
		return
	}

	// /v1/members
	if len(parts) == 1 && parts[0] == "members" && r.Method == http.MethodGet {
		members, err := s.svc.ListMembers(ctx, session)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"members": members})
		return
	}

	// /v1/search
	if len(parts) == 1 && parts[0] == "search" && r.Method == http.MethodGet {
		q := r.URL.Query()
		limit, _ := strconv.Atoi(q.Get("limit"))
		offset, _ := strconv.Atoi(q.Get("offset"))
		resp, err := s.svc.SearchSongs(ctx, session, q.Get("q"), q.Get("sessionId"), q.Get("kind"), limit, offset)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	if len(parts) >= 1 && parts[0] == "sessions" {
		s.handleSessions(w, r, session, parts[1:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "no such route", nil)
}

func (s *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	ctx := r.Context()

	// /v1/sessions
	if len(parts) == 0 {
		switch r.Method {
		case http.MethodGet:
			sessions, err := s.svc.GetSessions(ctx, session)
			if err != nil {
				s.writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
		case http.MethodPost:
			var input SessionInput
			if !decodeBody(w, r, &input) {
				return
			}
			created, err := s.svc.CreateBandSession(ctx, session, input)
			if err != nil {
				s.writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, created)
		default:
			writeError(w, http.StatusMethodNotAllowed, "INVALID_ARGUMENT", "method not allowed", nil)
		}
		return
	}

	// /v1/sessions/current
	if len(parts) == 1 && parts[0] == "current" {
		switch r.Method {
		case http.MethodGet:
			view, err := s.svc.GetCurrentSessionView(ctx, session)
			if err != nil {
				s.writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, view)
		case http.MethodPut:
			var body struct {
				SessionID string `json:"sessionId"`
			}
			if !decodeBody(w, r, &body) {
				return
			}
			view, err := s.svc.SetCurrentBandSession(ctx, session, body.SessionID)
			if err != nil {
				s.writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, view)
		default:
			writeError(w, http.StatusMethodNotAllowed, "INVALID_ARGUMENT", "method not allowed", nil)
		}
		return
	}

	sessionID := parts[0]
	rest := parts[1:]

	// /v1/sessions/{id}/status
	if len(rest) == 1 && rest[0] == "status" && r.Method == http.MethodPut {
		var body struct {
			Status string `json:"status"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		view, err := s.svc.UpdateBandSessionStatus(ctx, session, sessionID, body.Status)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
		return
	}

	// /v1/sessions/{id}/proposals[/{pid}]
	if len(rest) >= 1 && rest[0] == "proposals" {
		switch {
		case len(rest) == 1 && r.Method == http.MethodGet:
			resp, err := s.svc.GetProposals(ctx, session, sessionID)
			if err != nil {
				s.writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, resp)
		case len(rest) == 1 && r.Method == http.MethodPost:
			var input ProposalInput
			if !decodeBody(w, r, &input) {
				return
			}
			created, err := s.svc.CreateProposal(ctx, session, sessionID, input)
			if err != nil {
				s.writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, created)
		case len(rest) == 2 && r.Method == http.MethodPut:
			var input ProposalInput
			if !decodeBody(w, r, &input) {
				return
			}
			updated, err := s.svc.UpdateProposal(ctx, session, sessionID, rest[1], input)
			if err != nil {
				s.writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, updated)
		case len(rest) == 2 && r.Method == http.MethodDelete:
			if err := s.svc.DeleteProposal(ctx, session, sessionID, rest[1]); err != nil {
				s.writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
		default:
			writeError(w, http.StatusMethodNotAllowed, "INVALID_ARGUMENT", "method not allowed", nil)
		}
		return
	}

	// /v1/sessions/{id}/setlist
	if len(rest) == 1 && rest[0] == "setlist" && r.Method == http.MethodPut {
		var body struct {
			ProposalIDs []string `json:"proposalIds"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		resp, err := s.svc.UpdateSetlist(ctx, session, sessionID, body.ProposalIDs)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	// /v1/sessions/{id}/entries[/mine]
	if len(rest) >= 1 && rest[0] == "entries" {
		switch {
		case len(rest) == 1 && r.Method == http.MethodGet:
			resp, err := s.svc.GetEntries(ctx, session, sessionID)
			if err != nil {
				s.writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, resp)
		case len(rest) == 2 && rest[1] == "mine" && r.Method == http.MethodGet:
			resp, err := s.svc.GetMyEntries(ctx, session, sessionID)
			if err != nil {
				s.writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, resp)
		case len(rest) == 2 && rest[1] == "mine" && r.Method == http.MethodPut:
			var body struct {
				Entries []EntryInput `json:"entries"`
			}
			if !decodeBody(w, r, &body) {
				return
			}
			resp, err := s.svc.SaveMyEntries(ctx, session, sessionID, body.Entries)
			if err != nil {
				s.writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, resp)
		default:
			writeError(w, http.StatusMethodNotAllowed, "INVALID_ARGUMENT", "method not allowed", nil)
		}
		return
	}

	// /v1/sessions/{id}/submissions
	if len(rest) == 1 && rest[0] == "submissions" && r.Method == http.MethodGet {
		resp, err := s.svc.GetSubmissions(ctx, session, sessionID)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	// /v1/sessions/{id}/export
	if len(rest) == 1 && rest[0] == "export" && r.Method == http.MethodPost {
		resp, err := s.svc.ExportSessionCSV(ctx, session, sessionID)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "no such route", nil)
}

// Session extraction

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing bearer token", nil)
		return Session{}, false
	}
	session, err := s.svc.SessionFromToken(r.Context(), token)
	if err != nil {
		s.writeMappedError(w, err)
		return Session{}, false
	}
	return session, true
}

// Error mapping

func (s *HTTPServer) writeMappedError(w http.ResponseWriter, err error) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		writeError(w, domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details)
		return
	}

	switch {
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "session is not valid", nil)
	case errors.Is(err, sql.ErrNoRows):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "not found", nil)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "DEADLINE_EXCEEDED", "request timed out", nil)
	default:
		log.Printf("internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error", nil)
	}
}

// Wire helpers

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	body := map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	}
	if details != nil {
		body["error"].(map[string]any)["details"] = details
	}
	writeJSON(w, status, body)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	decoder := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "malformed JSON body", nil)
		return false
	}
	return true
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
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

func sessionPayload(session Session) map[string]any {
	return map[string]any{
		"token":        session.Token,
		"refreshToken": session.RefreshToken,
		"expiresAt":    session.ExpiresAt.UTC().Format(time.RFC3339),
		"member": map[string]any{
			"id":       session.MemberID,
			"name":     session.MemberName,
			"role":     session.Role,
			"approved": session.Approved,
		},
	}
}

// Middleware

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(status int) {
	rec.status = status
	rec.ResponseWriter.WriteHeader(status)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = util.NewID("req")
		}
		w.Header().Set("X-Request-ID", requestID)

		if s.corsOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		entry, _ := json.Marshal(map[string]any{
			"ts":        time.Now().UTC().Format(time.RFC3339Nano),
			"requestId": requestID,
			"method":    r.Method,
			"path":      r.URL.Path,
			"status":    rec.status,
			"durMs":     time.Since(start).Milliseconds(),
		})
		log.Println(string(entry))
	})
}
