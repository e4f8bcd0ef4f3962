package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukerupert/resellr/internal/auth"
	"github.com/dukerupert/resellr/internal/database"
	"github.com/dukerupert/resellr/internal/model"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type testEnv struct {
	t        *testing.T
	ts       *httptest.Server
	srv      *Server
	verifier *auth.TokenVerifier
	admin    string
}

func newTestEnv(t *testing.T, rateLimit int) *testEnv {
	t.Helper()
	db, err := database.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	verifier, err := auth.NewTokenVerifier(testSecret, "resellr-test")
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(db, Config{
		Verifier:        verifier,
		TokenTTL:        time.Hour,
		BcryptCost:      4,
		Escrow:          true,
		RetryAttempts:   2,
		RetryBaseDelay:  time.Millisecond,
		RateLimit:       rateLimit,
		RateLimitWindow: time.Minute,
	}, logger)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	admin, err := srv.Directory().EnsureAdmin(context.Background(), "admin@example.com", "Admin", "admin-secret-pw")
	require.NoError(t, err)

	env := &testEnv{t: t, ts: ts, srv: srv, verifier: verifier}
	env.admin = env.tokenFor(admin.ID, model.RoleAdmin)
	return env
}

func (e *testEnv) tokenFor(id int64, role model.Role) string {
	e.t.Helper()
	tok, err := e.verifier.Sign(auth.Principal{AccountID: id, Role: role}, time.Hour, time.Now())
	require.NoError(e.t, err)
	return tok
}

func (e *testEnv) do(method, path, token string, body any) (int, map[string]any) {
	e.t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(e.t, err)
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rdr)
	require.NoError(e.t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.ts.Client().Do(req)
	require.NoError(e.t, err)
	defer resp.Body.Close()

	var out map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(e.t, err)
	if len(bytes.TrimSpace(raw)) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(e.t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func idOf(v any) int64 {
	m := v.(map[string]any)
	return int64(m["id"].(float64))
}

// createMaster opens a master reseller and returns its id and token.
func (e *testEnv) createMaster(email string) (int64, string) {
	e.t.Helper()
	status, body := e.do("POST", "/api/resellers", e.admin, map[string]any{
		"name":  "Master " + email,
		"email": email,
		"role":  "MASTER_RESELLER",
	})
	require.Equal(e.t, http.StatusCreated, status, body)
	require.NotEmpty(e.t, body["credential"], "generated credential returned")

	status, tok := e.do("POST", "/api/auth/token", "", map[string]any{
		"email":      email,
		"credential": body["credential"],
	})
	require.Equal(e.t, http.StatusOK, status, tok)
	return idOf(body["account"]), tok["token"].(string)
}

func licensesOf(body map[string]any) []map[string]any {
	raw, _ := body["licenses"].([]any)
	out := make([]map[string]any, 0, len(raw))
	for _, v := range raw {
		out = append(out, v.(map[string]any))
	}
	return out
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, 0)

	status, body := env.do("GET", "/health", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, 0)

	resp, err := env.ts.Client().Get(env.ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), "go_goroutines")
}

func TestAPIRequiresToken(t *testing.T) {
	env := newTestEnv(t, 0)

	status, body := env.do("GET", "/api/licenses", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "UNAUTHENTICATED", errorCode(body))
}

func TestEndToEndOverHTTP(t *testing.T) {
	env := newTestEnv(t, 0)
	masterID, master := env.createMaster("master@example.com")

	status, body := env.do("POST", "/api/replenishment-requests", master, map[string]any{"quantity": 5})
	require.Equal(t, http.StatusCreated, status, body)
	reqID := idOf(body["request"])

	status, body = env.do("POST", "/api/replenishment-requests/"+itoa(reqID)+"/decision", env.admin, map[string]any{"decision": "approve"})
	require.Equal(t, http.StatusOK, status, body)
	minted := body["mintedLicenses"].([]any)
	require.Len(t, minted, 5)

	status, body = env.do("POST", "/api/replenishment-requests/"+itoa(reqID)+"/decision", env.admin, map[string]any{"decision": "approve"})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "REQUEST_NOT_PENDING", errorCode(body))

	status, body = env.do("GET", "/api/licenses?status=available", master, nil)
	require.Equal(t, http.StatusOK, status, body)
	var k1, k2 string
	for _, l := range licensesOf(body) {
		switch l["capacity"].(float64) {
		case 10:
			if k1 == "" {
				k1 = l["key"].(string)
			}
		case 1:
			if k2 == "" {
				k2 = l["key"].(string)
			}
		}
	}
	require.NotEmpty(t, k1, "replenishment license")
	require.NotEmpty(t, k2, "welcome license")

	activate := map[string]any{
		"licenseKey":   k1,
		"endUserEmail": "reader@example.com",
		"endUserName":  "Reader",
		"endUserPhone": "555-0100",
	}
	status, body = env.do("POST", "/api/licenses/activate", master, activate)
	require.Equal(t, http.StatusCreated, status, body)
	lic := body["license"].(map[string]any)
	assert.Equal(t, "PARTIALLY_USED", lic["status"])
	assert.Equal(t, "END_USER", body["endUserAccount"].(map[string]any)["role"])
	assert.NotEmpty(t, body["credential"])

	status, body = env.do("POST", "/api/licenses/activate", master, activate)
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, true, body["replayed"])
	assert.Equal(t, float64(1), body["license"].(map[string]any)["usage_count"])

	status, body = env.do("POST", "/api/licenses/redeem-for-new-reseller", master, map[string]any{
		"licenseKey":      k2,
		"masterAccountId": masterID,
		"partner":         map[string]any{"name": "Partner", "email": "partner@example.com"},
	})
	require.Equal(t, http.StatusCreated, status, body)
	partner := body["account"].(map[string]any)
	assert.Equal(t, "PARTNER_RESELLER", partner["role"])
	assert.Equal(t, float64(masterID), partner["owner_master_id"])
	assert.Equal(t, "USED", body["license"].(map[string]any)["status"])

	status, body = env.do("POST", "/api/auth/token", "", map[string]any{
		"email":      "partner@example.com",
		"credential": k2,
	})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "PARTNER_RESELLER", body["role"])

	status, body = env.do("GET", "/api/licenses/"+k2, master, nil)
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "USED", body["license"].(map[string]any)["status"])

	status, body = env.do("GET", "/api/accounts/"+itoa(masterID)+"/partners", master, nil)
	require.Equal(t, http.StatusOK, status, body)
	assert.Len(t, body["partners"].([]any), 1)
}

func TestAuthorizationBoundaries(t *testing.T) {
	env := newTestEnv(t, 0)
	_, master := env.createMaster("m1@example.com")
	otherID, other := env.createMaster("m2@example.com")
	partner := env.tokenFor(otherID+100, model.RolePartnerReseller)

	status, body := env.do("GET", "/api/licenses?owner="+itoa(otherID), master, nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "FORBIDDEN", errorCode(body))

	status, body = env.do("GET", "/api/licenses", env.admin, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "INVALID_INPUT", errorCode(body))

	status, body = env.do("GET", "/api/licenses?owner="+itoa(otherID), env.admin, nil)
	require.Equal(t, http.StatusOK, status, body)
	others := licensesOf(body)
	require.NotEmpty(t, others)

	status, body = env.do("POST", "/api/licenses/activate", master, map[string]any{
		"licenseKey":   others[0]["key"],
		"endUserEmail": "x@example.com",
	})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "LICENSE_FORBIDDEN", errorCode(body))

	status, _ = env.do("GET", "/api/licenses/"+others[0]["key"].(string), master, nil)
	assert.Equal(t, http.StatusForbidden, status)

	status, body = env.do("POST", "/api/licenses/redeem-for-new-reseller", master, map[string]any{
		"licenseKey":      others[0]["key"],
		"masterAccountId": otherID,
		"partner":         map[string]any{"name": "P", "email": "p@example.com"},
	})
	assert.Equal(t, http.StatusForbidden, status, body)

	status, _ = env.do("POST", "/api/licenses/redeem-for-new-reseller", partner, map[string]any{
		"licenseKey": "LIC-0000-0000-0000-0000",
		"partner":    map[string]any{"name": "P", "email": "p@example.com"},
	})
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = env.do("POST", "/api/resellers", master, map[string]any{
		"name": "x", "email": "x@example.com", "role": "MASTER_RESELLER",
	})
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = env.do("GET", "/api/accounts/"+itoa(otherID)+"/partners", master, nil)
	assert.Equal(t, http.StatusForbidden, status)

	status, body = env.do("POST", "/api/replenishment-requests", other, map[string]any{})
	require.Equal(t, http.StatusCreated, status, body)
	reqID := idOf(body["request"])
	assert.Equal(t, float64(5), body["request"].(map[string]any)["quantity"])

	status, _ = env.do("POST", "/api/replenishment-requests/"+itoa(reqID)+"/decision", other, map[string]any{"decision": "approve"})
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = env.do("GET", "/api/replenishment-requests/"+itoa(reqID), master, nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, body = env.do("GET", "/api/replenishment-requests", master, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, body["requests"])

	status, body = env.do("GET", "/api/replenishment-requests?status=pending", env.admin, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["requests"], 1)
}

func TestValidationAndErrorMapping(t *testing.T) {
	env := newTestEnv(t, 0)
	_, master := env.createMaster("m@example.com")

	status, body := env.do("POST", "/api/licenses/activate", master, map[string]any{
		"licenseKey":   "LIC-AAAA",
		"endUserEmail": "not-an-email",
	})
	require.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "INVALID_INPUT", errorCode(body))
	details := body["error"].(map[string]any)["details"].(map[string]any)
	assert.Equal(t, "email", details["endUserEmail"])

	status, body = env.do("POST", "/api/licenses/activate", master, map[string]any{
		"licenseKey":   "LIC-0000-0000-0000-0000",
		"endUserEmail": "reader@example.com",
	})
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "LICENSE_NOT_FOUND", errorCode(body))

	status, body = env.do("POST", "/api/replenishment-requests", master, map[string]any{"quantity": 1000})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "INVALID_INPUT", errorCode(body))

	status, _ = env.do("POST", "/api/replenishment-requests", master, map[string]any{"quantity": 2})
	require.Equal(t, http.StatusCreated, status)
	status, body = env.do("POST", "/api/replenishment-requests", master, map[string]any{"quantity": 2})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "REQUEST_ALREADY_PENDING", errorCode(body))

	status, body = env.do("POST", "/api/resellers", env.admin, map[string]any{
		"name": "Dup", "email": "m@example.com", "role": "MASTER_RESELLER",
	})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "DUPLICATE_EMAIL", errorCode(body))

	status, body = env.do("POST", "/api/resellers", env.admin, map[string]any{
		"name": "Orphan", "email": "orphan@example.com", "role": "PARTNER_RESELLER",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "INVALID_HIERARCHY", errorCode(body))
}

func TestAdminAccountRoutes(t *testing.T) {
	env := newTestEnv(t, 0)
	masterID, master := env.createMaster("m@example.com")

	status, body := env.do("GET", "/api/admin/accounts/"+itoa(masterID), env.admin, nil)
	require.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, body["account"].(map[string]any)["escrowed_credential"])

	status, body = env.do("GET", "/api/accounts/me", master, nil)
	require.Equal(t, http.StatusOK, status)
	_, leaked := body["account"].(map[string]any)["escrowed_credential"]
	assert.False(t, leaked)

	status, body = env.do("POST", "/api/admin/accounts/"+itoa(masterID)+"/active", env.admin, map[string]any{"active": false})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, false, body["account"].(map[string]any)["active"])

	status, body = env.do("POST", "/api/replenishment-requests", master, map[string]any{})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "ACCOUNT_INACTIVE", errorCode(body))

	status, _ = env.do("POST", "/api/admin/accounts/"+itoa(masterID)+"/active", env.admin, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, status)

	expiry := time.Now().Add(48 * time.Hour).UTC().Truncate(time.Second)
	status, body = env.do("POST", "/api/admin/accounts/"+itoa(masterID)+"/expiry", env.admin, map[string]any{"expiryDate": expiry})
	require.Equal(t, http.StatusOK, status, body)
	assert.NotNil(t, body["account"].(map[string]any)["expiry_date"])

	status, body = env.do("POST", "/api/admin/accounts/999/active", env.admin, map[string]any{"active": true})
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "ACCOUNT_NOT_FOUND", errorCode(body))

	status, _ = env.do("POST", "/api/admin/accounts/"+itoa(masterID)+"/active", env.admin, map[string]any{"active": true})
	require.Equal(t, http.StatusOK, status)

	status, body = env.do("POST", "/api/admin/licenses/mint", env.admin, map[string]any{
		"ownerAccountId": masterID,
		"count":          3,
		"capacity":       25,
		"priceCents":     1999,
	})
	require.Equal(t, http.StatusCreated, status, body)
	minted := licensesOf(body)
	require.Len(t, minted, 3)
	assert.Equal(t, "ADMIN", minted[0]["source"])
}

func TestTokenRejectsBadCredential(t *testing.T) {
	env := newTestEnv(t, 0)
	env.createMaster("m@example.com")

	status, body := env.do("POST", "/api/auth/token", "", map[string]any{
		"email":      "m@example.com",
		"credential": "wrong-credential",
	})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "FORBIDDEN", errorCode(body))
}

func TestRateLimitedTokenEndpoint(t *testing.T) {
	env := newTestEnv(t, 1)
	payload := map[string]any{"email": "nobody@example.com", "credential": "whatever"}

	status, _ := env.do("POST", "/api/auth/token", "", payload)
	assert.Equal(t, http.StatusForbidden, status)

	status, body := env.do("POST", "/api/auth/token", "", payload)
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, "RATE_LIMITED", errorCode(body))
}

func TestEventFeed(t *testing.T) {
	env := newTestEnv(t, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/api/admin/events?access_token=" + env.admin
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	require.Eventually(t, func() bool { return env.srv.hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	env.createMaster("watched@example.com")

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var ev map[string]any
	require.NoError(t, json.Unmarshal(data, &ev))
	assert.Equal(t, "account_created", ev["type"])
	assert.Equal(t, "MASTER_RESELLER", ev["extra"].(map[string]any)["role"])
}

func TestEventFeedRequiresAdmin(t *testing.T) {
	env := newTestEnv(t, 0)
	_, master := env.createMaster("m@example.com")

	status, _ := env.do("GET", "/api/admin/events?access_token="+master, "", nil)
	assert.Equal(t, http.StatusForbidden, status)
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}

func TestServiceLogsCarrySingleComponent(t *testing.T) {
	db, err := database.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	verifier, err := auth.NewTokenVerifier(testSecret, "resellr-test")
	require.NoError(t, err)

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	srv := New(db, Config{Verifier: verifier, TokenTTL: time.Hour, BcryptCost: 4}, logger)

	_, err = srv.Directory().EnsureAdmin(context.Background(), "admin@example.com", "Admin", "admin-secret-pw")
	require.NoError(t, err)

	var line string
	for _, l := range strings.Split(buf.String(), "\n") {
		if strings.Contains(l, "admin account ensured") {
			line = l
		}
	}
	require.NotEmpty(t, line)
	assert.Equal(t, 1, strings.Count(line, "component="), line)
	assert.Contains(t, line, "component=directory")
}
