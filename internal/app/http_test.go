package app

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"bandbeat/api/internal/authpw"
	"bandbeat/api/internal/store"
)

const testChannelSecret = "channel-secret"

func newTestServer(ms *memStore) *HTTPServer {
	svc := &Service{cfg: testConfig(), store: ms, authpw: authpw.NewService(ms)}
	return NewHTTPServer(svc, nil, testChannelSecret, "*", "http://localhost:3000")
}

func doJSON(t *testing.T, handler http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return payload
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	payload := decodeJSON(t, rec)
	errObj, ok := payload["error"].(map[string]any)
	if !ok {
		t.Fatalf("no error envelope in %q", rec.Body.String())
	}
	code, _ := errObj["code"].(string)
	return code
}

func TestHealthAndReady(t *testing.T) {
	handler := newTestServer(newMemStore()).Handler()

	rec := doJSON(t, handler, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status %d", rec.Code)
	}
	rec = doJSON(t, handler, http.MethodGet, "/readyz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("readyz status %d", rec.Code)
	}
}

func TestUnknownRouteEnvelope(t *testing.T) {
	handler := newTestServer(newMemStore()).Handler()
	rec := doJSON(t, handler, http.MethodGet, "/nope", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status %d", rec.Code)
	}
	if errorCode(t, rec) != "NOT_FOUND" {
		t.Fatalf("want NOT_FOUND envelope, got %s", rec.Body.String())
	}
}

func TestWebhookSignatureRequired(t *testing.T) {
	handler := newTestServer(newMemStore()).Handler()
	body := []byte(`{"events":[]}`)

	req := httptest.NewRequest(http.MethodPost, "/webhook/line", bytes.NewReader(body))
	req.Header.Set("X-Line-Signature", "bogus")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad signature should be rejected, got %d", rec.Code)
	}

	mac := hmac.New(sha256.New, []byte(testChannelSecret))
	mac.Write(body)
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	req = httptest.NewRequest(http.MethodPost, "/webhook/line", bytes.NewReader(body))
	req.Header.Set("X-Line-Signature", signature)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("valid signature should be accepted, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAPIRequiresBearerToken(t *testing.T) {
	handler := newTestServer(newMemStore()).Handler()

	rec := doJSON(t, handler, http.MethodGet, "/v1/sessions", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status %d", rec.Code)
	}
	if errorCode(t, rec) != "UNAUTHENTICATED" {
		t.Fatalf("want UNAUTHENTICATED, got %s", rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodGet, "/v1/sessions", "not-a-token", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token status %d", rec.Code)
	}
}

// TestSignupSigninFlow walks the whole dashboard onboarding path through the
// HTTP surface: signup (auto-verified without SMTP), signin, approval with
// the band code, then a proposal on the current session.
func TestSignupSigninFlow(t *testing.T) {
	ms := newMemStore()
	seedSession(ms, "2026-09", store.SessionCollectingSongs)
	handler := newTestServer(ms).Handler()

	rec := doJSON(t, handler, http.MethodPost, "/v1/auth/signup", "", map[string]string{
		"email":       "alice@example.com",
		"password":    "correct-horse",
		"displayName": "Alice",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("signup status %d: %s", rec.Code, rec.Body.String())
	}
	if decodeJSON(t, rec)["requiresEmailVerify"] != false {
		t.Fatal("signup without SMTP should auto-verify")
	}

	rec = doJSON(t, handler, http.MethodPost, "/v1/auth/signin", "", map[string]string{
		"email":    "alice@example.com",
		"password": "wrong",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong password status %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, "/v1/auth/signin", "", map[string]string{
		"email":    "alice@example.com",
		"password": "correct-horse",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("signin status %d: %s", rec.Code, rec.Body.String())
	}
	token, _ := decodeJSON(t, rec)["token"].(string)
	if token == "" {
		t.Fatal("signin returned no token")
	}

	// Unapproved members cannot touch session data yet.
	rec = doJSON(t, handler, http.MethodPost, "/v1/sessions/2026-09/proposals", token, ProposalInput{
		Title: "Song A", Artist: "Artist", MyPart: "GT",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("unapproved proposal status %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodPost, "/v1/me/approve", token, map[string]string{"code": "band2026"})
	if rec.Code != http.StatusOK {
		t.Fatalf("approve status %d: %s", rec.Code, rec.Body.String())
	}

	// Approval is read from the stored member, so the same token now works.
	rec = doJSON(t, handler, http.MethodPost, "/v1/sessions/2026-09/proposals", token, ProposalInput{
		Title: "Song A", Artist: "Artist", MyPart: "GT",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("proposal status %d: %s", rec.Code, rec.Body.String())
	}
	created := decodeJSON(t, rec)
	if !strings.HasPrefix(created["id"].(string), "prp_") {
		t.Fatalf("unexpected proposal id %v", created["id"])
	}

	rec = doJSON(t, handler, http.MethodGet, "/v1/sessions/2026-09/proposals", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list proposals status %d", rec.Code)
	}
	proposals := decodeJSON(t, rec)["proposals"].([]any)
	if len(proposals) != 1 {
		t.Fatalf("want 1 proposal, got %d", len(proposals))
	}
}

func TestRefreshEndpointRotates(t *testing.T) {
	ms := newMemStore()
	seedMember(ms, "mem_alice", "member", true)
	server := newTestServer(ms)
	handler := server.Handler()

	session, err := server.svc.CreateSession(context.Background(), "mem_alice")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	rec := doJSON(t, handler, http.MethodPost, "/v1/auth/refresh", "", map[string]string{
		"refreshToken": session.RefreshToken,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh status %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodPost, "/v1/auth/refresh", "", map[string]string{
		"refreshToken": session.RefreshToken,
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("reused refresh token status %d", rec.Code)
	}
}

func TestSessionStatusRouteAdminOnly(t *testing.T) {
	ms := newMemStore()
	seedMember(ms, "mem_plain", "member", true)
	seedMember(ms, "mem_admin", "admin", true)
	seedSession(ms, "2026-09", store.SessionDraft)
	server := newTestServer(ms)
	handler := server.Handler()

	plain, _ := server.svc.CreateSession(context.Background(), "mem_plain")
	admin, _ := server.svc.CreateSession(context.Background(), "mem_admin")

	rec := doJSON(t, handler, http.MethodPut, "/v1/sessions/2026-09/status", plain.Token, map[string]string{
		"status": store.SessionCollectingSongs,
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("member status change status %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPut, "/v1/sessions/2026-09/status", admin.Token, map[string]string{
		"status": store.SessionCollectingSongs,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("admin status change status %d: %s", rec.Code, rec.Body.String())
	}
	if decodeJSON(t, rec)["status"] != store.SessionCollectingSongs {
		t.Fatalf("status not applied: %s", rec.Body.String())
	}
}

func TestRequestIDHeader(t *testing.T) {
	handler := newTestServer(newMemStore()).Handler()
	rec := doJSON(t, handler, http.MethodGet, "/healthz", "", nil)
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("X-Request-ID header missing")
	}
}
