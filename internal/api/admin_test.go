package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func mintToken(t *testing.T, a *AdminAuth, role string) string {
	t.Helper()
	tok, err := a.Mint(role, time.Hour)
	if err != nil {
		t.Fatalf("mint %s: %v", role, err)
	}
	return tok
}

func TestAdminAuth_RoundTrip(t *testing.T) {
	a := NewAdminAuth("secret")

	for _, role := range []string{RoleAdmin, RoleEditor} {
		got, err := a.Role(mintToken(t, a, role))
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", role, err)
		}
		if got != role {
			t.Errorf("expected role %q, got %q", role, got)
		}
	}

	if _, err := a.Mint("owner", time.Hour); !errors.Is(err, ErrUnknownRole) {
		t.Errorf("expected ErrUnknownRole, got %v", err)
	}
}

func TestAdminAuth_Rejects(t *testing.T) {
	a := NewAdminAuth("secret")

	past := NewAdminAuth("secret")
	past.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired := mintToken(t, past, RoleAdmin)

	otherKey := mintToken(t, NewAdminAuth("another-secret"), RoleAdmin)

	noExpiry, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, adminClaims{
		Role:             RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{Issuer: adminIssuer},
	}).SignedString([]byte("secret"))

	wrongIssuer, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, adminClaims{
		Role: RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "someone-else",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte("secret"))

	hs384, _ := jwt.NewWithClaims(jwt.SigningMethodHS384, adminClaims{
		Role: RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    adminIssuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte("secret"))

	tests := map[string]string{
		"expired":      expired,
		"other key":    otherKey,
		"no expiry":    noExpiry,
		"wrong issuer": wrongIssuer,
		"wrong method": hs384,
		"garbage":      "not.a.jwt",
	}
	for name, raw := range tests {
		if _, err := a.Role(raw); err == nil {
			t.Errorf("%s: expected rejection", name)
		}
	}
}

func TestNewAdminAuth_EmptySecret(t *testing.T) {
	if NewAdminAuth("") != nil {
		t.Error("expected nil AdminAuth for empty secret")
	}
}

func TestHandler_AdminDisabled(t *testing.T) {
	h := NewHandler(Services{}, testAPIKey, "")

	req := httptest.NewRequest("GET", "/api/admin/stats", nil)
	req.Header.Set("Authorization", "Bearer anything")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}

func TestHandler_AdminAccess(t *testing.T) {
	env := setupTestHandler(t)
	admin := mintToken(t, env.admin, RoleAdmin)
	editor := mintToken(t, env.admin, RoleEditor)

	tests := []struct {
		name   string
		method string
		path   string
		bearer string
		want   int
	}{
		{"no token", "GET", "/api/admin/stats", "", http.StatusUnauthorized},
		{"api key is not an admin token", "GET", "/api/admin/stats", testAPIKey, http.StatusUnauthorized},
		{"editor stats", "GET", "/api/admin/stats", editor, http.StatusOK},
		{"editor tokens", "GET", "/api/admin/tokens", editor, http.StatusForbidden},
		{"editor donations", "GET", "/api/admin/donations", editor, http.StatusForbidden},
		{"admin tokens", "GET", "/api/admin/tokens", admin, http.StatusOK},
		{"admin donations", "GET", "/api/admin/donations", admin, http.StatusOK},
		{"bad limit", "GET", "/api/admin/tokens?limit=-1", admin, http.StatusBadRequest},
		{"revoke unknown", "POST", "/api/admin/tokens/nope/revoke", admin, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, tt.method, tt.path, nil, tt.bearer)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestHandler_AdminRevokeAndReactivate(t *testing.T) {
	env := setupTestHandler(t)
	env.uploadAudio(t, "grace-1")
	admin := mintToken(t, env.admin, RoleAdmin)
	tok := seedToken(t, env.store, time.Now().Add(time.Hour))

	rec := env.do(t, "POST", "/api/admin/tokens/"+tok.ID+"/revoke", nil, admin)
	if rec.Code != http.StatusOK {
		t.Fatalf("revoke: expected 200, got %d", rec.Code)
	}
	var resp AdminTokenResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.IsActive {
		t.Error("token still active after revoke")
	}

	rec = env.do(t, "GET", "/api/download?token="+tok.ID, nil, testAPIKey)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("revoked download: expected 403, got %d", rec.Code)
	}
	if e := decodeError(t, rec); e.Reason != "revoked" {
		t.Errorf("expected reason revoked, got %+v", e)
	}

	env.do(t, "POST", "/api/admin/tokens/"+tok.ID+"/reactivate", nil, admin)
	rec = env.do(t, "GET", "/api/download?token="+tok.ID, nil, testAPIKey)
	if rec.Code != http.StatusOK {
		t.Errorf("reactivated download: expected 200, got %d", rec.Code)
	}
}

func TestHandler_AdminStats(t *testing.T) {
	env := setupTestHandler(t)
	env.paidDownloadSession("cs_test_stats")
	env.do(t, "GET", "/api/checkout/session/cs_test_stats", nil, testAPIKey)
	seedToken(t, env.store, time.Now().Add(-time.Minute))

	rec := env.do(t, "GET", "/api/admin/stats", nil, mintToken(t, env.admin, RoleEditor))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var stats StatsResponse
	if err := json.NewDecoder(rec.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.TotalDonations != 1 || stats.AmountByCurrency["usd"] != 500 {
		t.Errorf("unexpected donation stats %+v", stats)
	}
	if stats.Tokens.Total != 1 || stats.Tokens.Expired != 1 {
		t.Errorf("unexpected token stats %+v", stats.Tokens)
	}
}

func TestHandler_AdminUploadAudio(t *testing.T) {
	env := setupTestHandler(t)
	editor := mintToken(t, env.admin, RoleEditor)

	upload := func(id string, body []byte) *httptest.ResponseRecorder {
		req := httptest.NewRequest("PUT", "/api/admin/content/"+id+"/audio", bytes.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+editor)
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)
		return rec
	}

	rec := upload("welcome", testAudio)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp UploadResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.ContentID != "welcome" || resp.Size != int64(len(testAudio)) {
		t.Errorf("unexpected upload response %+v", resp)
	}

	// The free item is now playable
	rec = env.do(t, "GET", "/api/content/welcome/stream", nil, "")
	if rec.Code != http.StatusOK || !bytes.Equal(rec.Body.Bytes(), testAudio) {
		t.Errorf("stream after upload: got %d", rec.Code)
	}

	if rec := upload("missing", testAudio); rec.Code != http.StatusNotFound {
		t.Errorf("unknown item: expected 404, got %d", rec.Code)
	}

	req := httptest.NewRequest("PUT", "/api/admin/content/welcome/audio", strings.NewReader(""))
	req.Header.Set("Authorization", "Bearer "+editor)
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty upload: expected 400, got %d", rec.Code)
	}
}

func TestRoleFrom(t *testing.T) {
	if got := RoleFrom(context.Background()); got != "" {
		t.Errorf("expected empty role, got %q", got)
	}
}
