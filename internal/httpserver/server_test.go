package httpserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/complyon/creditledger/internal/metrics"
	"github.com/complyon/creditledger/internal/store/gormstore"
	"github.com/complyon/creditledger/pkg/creditledger"
	"github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestCreditLifecycleOverHTTP(test *testing.T) {
	server, cfg, _ := startTestServer(test)
	token := buildServiceToken(test, cfg, "compliance-engine", nil)

	// Account bootstrap with signup bonus.
	status, body := execJSON(test, server, http.MethodPost, "/v1/credits/accounts", token, map[string]any{
		"user_id":      "user-1",
		"plan":         "lite",
		"mode":         "internal",
		"signup_bonus": 100,
	})
	if status != http.StatusCreated {
		test.Fatalf("expected 201 creating account, got %d: %s", status, body)
	}

	// Duplicate account is rejected.
	status, _ = execJSON(test, server, http.MethodPost, "/v1/credits/accounts", token, map[string]any{
		"user_id": "user-1",
	})
	if status != http.StatusConflict {
		test.Fatalf("expected 409 for duplicate account, got %d", status)
	}

	// Reserve 10 at the lite discount.
	status, body = execJSON(test, server, http.MethodPost, "/v1/credits/reserve", token, map[string]any{
		"user_id":      "user-1",
		"amount":       10,
		"operation_id": "op-1",
		"reason":       "ad analysis",
	})
	if status != http.StatusOK {
		test.Fatalf("expected 200 reserving, got %d: %s", status, body)
	}
	var reserveResponse struct {
		Reserved int64 `json:"reserved"`
	}
	mustDecode(test, body, &reserveResponse)
	if reserveResponse.Reserved != 8 {
		test.Fatalf("expected 8 reserved at lite discount, got %d", reserveResponse.Reserved)
	}

	// Settle cheaper than reserved; the difference comes back.
	status, body = execJSON(test, server, http.MethodPost, "/v1/credits/finalize", token, map[string]any{
		"user_id":         "user-1",
		"reserved_amount": 8,
		"actual_amount":   5,
		"operation_id":    "op-1",
		"success":         true,
	})
	if status != http.StatusOK {
		test.Fatalf("expected 200 finalizing, got %d: %s", status, body)
	}

	status, body = execJSON(test, server, http.MethodGet, "/v1/credits/balance/user-1", token, nil)
	if status != http.StatusOK {
		test.Fatalf("expected 200 fetching balance, got %d: %s", status, body)
	}
	var balanceResponse struct {
		Credits int64 `json:"credits"`
	}
	mustDecode(test, body, &balanceResponse)
	if balanceResponse.Credits != 95 {
		test.Fatalf("expected 95 credits after partial refund, got %d", balanceResponse.Credits)
	}

	// Bonus credit, debit and refund entries are on record.
	status, body = execJSON(test, server, http.MethodGet, "/v1/credits/entries/user-1", token, nil)
	if status != http.StatusOK {
		test.Fatalf("expected 200 listing entries, got %d: %s", status, body)
	}
	var entriesResponse struct {
		Entries []struct {
			Type   string `json:"type"`
			Amount int64  `json:"amount"`
		} `json:"entries"`
	}
	mustDecode(test, body, &entriesResponse)
	if len(entriesResponse.Entries) != 3 {
		test.Fatalf("expected 3 entries, got %d", len(entriesResponse.Entries))
	}
}

func TestReserveInsufficientCreditsOverHTTP(test *testing.T) {
	server, cfg, _ := startTestServer(test)
	token := buildServiceToken(test, cfg, "compliance-engine", nil)

	execJSONExpecting(test, server, http.MethodPost, "/v1/credits/accounts", token, map[string]any{
		"user_id": "user-2", "plan": "standard", "signup_bonus": 3,
	}, http.StatusCreated)

	status, body := execJSON(test, server, http.MethodPost, "/v1/credits/reserve", token, map[string]any{
		"user_id": "user-2", "amount": 10, "operation_id": "op-poor",
	})
	if status != http.StatusPaymentRequired {
		test.Fatalf("expected 402, got %d: %s", status, body)
	}
	var insufficientResponse struct {
		Error     string `json:"error"`
		Required  int64  `json:"required"`
		Available int64  `json:"available"`
	}
	mustDecode(test, body, &insufficientResponse)
	if insufficientResponse.Error != "insufficient_credits" || insufficientResponse.Required != 10 || insufficientResponse.Available != 3 {
		test.Fatalf("unexpected payload: %+v", insufficientResponse)
	}
}

func TestReserveUnknownUserOverHTTP(test *testing.T) {
	server, cfg, _ := startTestServer(test)
	token := buildServiceToken(test, cfg, "compliance-engine", nil)

	status, _ := execJSON(test, server, http.MethodPost, "/v1/credits/reserve", token, map[string]any{
		"user_id": "ghost", "amount": 10, "operation_id": "op-ghost",
	})
	if status != http.StatusNotFound {
		test.Fatalf("expected 404 for unknown user, got %d", status)
	}
}

func TestReserveRejectsOversizedAmount(test *testing.T) {
	server, cfg, _ := startTestServer(test)
	token := buildServiceToken(test, cfg, "compliance-engine", nil)

	execJSONExpecting(test, server, http.MethodPost, "/v1/credits/accounts", token, map[string]any{
		"user_id": "user-huge", "plan": "lite", "signup_bonus": 100,
	}, http.StatusCreated)

	status, body := execJSON(test, server, http.MethodPost, "/v1/credits/reserve", token, map[string]any{
		"user_id":      "user-huge",
		"amount":       int64(1) << 57,
		"operation_id": "op-huge",
	})
	if status != http.StatusBadRequest {
		test.Fatalf("expected 400 for oversized amount, got %d: %s", status, body)
	}

	// The balance must be untouched by the rejected request.
	status, body = execJSON(test, server, http.MethodGet, "/v1/credits/balance/user-huge", token, nil)
	if status != http.StatusOK {
		test.Fatalf("expected 200, got %d", status)
	}
	var balanceResponse struct {
		Credits int64 `json:"credits"`
	}
	mustDecode(test, body, &balanceResponse)
	if balanceResponse.Credits != 100 {
		test.Fatalf("expected balance unchanged at 100, got %d", balanceResponse.Credits)
	}
}

func TestFinalizeReplayCountsOneRefund(test *testing.T) {
	server, cfg, collector := startTestServer(test)
	token := buildServiceToken(test, cfg, "compliance-engine", nil)

	execJSONExpecting(test, server, http.MethodPost, "/v1/credits/accounts", token, map[string]any{
		"user_id": "user-replay", "plan": "lite", "signup_bonus": 100,
	}, http.StatusCreated)
	execJSONExpecting(test, server, http.MethodPost, "/v1/credits/reserve", token, map[string]any{
		"user_id": "user-replay", "amount": 10, "operation_id": "op-replay",
	}, http.StatusOK)

	settle := map[string]any{
		"user_id": "user-replay", "reserved_amount": 8, "actual_amount": 5,
		"operation_id": "op-replay", "success": true,
	}
	execJSONExpecting(test, server, http.MethodPost, "/v1/credits/finalize", token, settle, http.StatusOK)
	execJSONExpecting(test, server, http.MethodPost, "/v1/credits/finalize", token, settle, http.StatusOK)

	// A finalize for a user that vanished moves no funds either.
	execJSONExpecting(test, server, http.MethodPost, "/v1/credits/finalize", token, map[string]any{
		"user_id": "user-gone", "reserved_amount": 8, "actual_amount": 0,
		"operation_id": "op-gone", "success": false,
	}, http.StatusOK)

	if got := refundCount(test, collector); got != 1 {
		test.Fatalf("expected refund counter at 1 after replay and missing-user settles, got %v", got)
	}
}

func refundCount(test *testing.T, collector *metrics.Collector) float64 {
	test.Helper()
	families, err := collector.Registry().Gather()
	if err != nil {
		test.Fatalf("gather failed: %v", err)
	}
	for _, family := range families {
		if family.GetName() != "creditledger_refunds_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			return metric.GetCounter().GetValue()
		}
	}
	return 0
}

func TestTopUpOverHTTP(test *testing.T) {
	server, cfg, _ := startTestServer(test)
	token := buildServiceToken(test, cfg, "billing", nil)

	execJSONExpecting(test, server, http.MethodPost, "/v1/credits/accounts", token, map[string]any{
		"user_id": "user-3", "plan": "free",
	}, http.StatusCreated)
	execJSONExpecting(test, server, http.MethodPost, "/v1/credits/topup", token, map[string]any{
		"user_id": "user-3", "amount": 40, "metadata": map[string]any{"invoice": "inv-9"},
	}, http.StatusOK)

	status, body := execJSON(test, server, http.MethodGet, "/v1/credits/balance/user-3", token, nil)
	if status != http.StatusOK {
		test.Fatalf("expected 200, got %d", status)
	}
	var balanceResponse struct {
		Credits int64 `json:"credits"`
	}
	mustDecode(test, body, &balanceResponse)
	if balanceResponse.Credits != 40 {
		test.Fatalf("expected 40 credits after top-up, got %d", balanceResponse.Credits)
	}
}

func TestAdminAdjustRequiresRole(test *testing.T) {
	server, cfg, _ := startTestServer(test)
	plainToken := buildServiceToken(test, cfg, "compliance-engine", nil)
	adminToken := buildServiceToken(test, cfg, "ops-console", []string{"admin"})

	execJSONExpecting(test, server, http.MethodPost, "/v1/credits/accounts", plainToken, map[string]any{
		"user_id": "user-4", "signup_bonus": 10,
	}, http.StatusCreated)

	payload := map[string]any{"user_id": "user-4", "amount": 5, "type": "SUBTRACT", "reason": "abuse reversal"}

	status, _ := execJSON(test, server, http.MethodPost, "/v1/admin/adjust", plainToken, payload)
	if status != http.StatusForbidden {
		test.Fatalf("expected 403 without admin role, got %d", status)
	}

	execJSONExpecting(test, server, http.MethodPost, "/v1/admin/adjust", adminToken, payload, http.StatusOK)

	status, body := execJSON(test, server, http.MethodGet, "/v1/credits/balance/user-4", plainToken, nil)
	if status != http.StatusOK {
		test.Fatalf("expected 200, got %d", status)
	}
	var balanceResponse struct {
		Credits int64 `json:"credits"`
	}
	mustDecode(test, body, &balanceResponse)
	if balanceResponse.Credits != 5 {
		test.Fatalf("expected 5 credits after subtract, got %d", balanceResponse.Credits)
	}
}

func TestServiceRoutesRejectMissingToken(test *testing.T) {
	server, _, _ := startTestServer(test)

	request, err := http.NewRequest(http.MethodGet, server.URL+"/v1/credits/balance/user-1", nil)
	if err != nil {
		test.Fatalf("request init failed: %v", err)
	}
	response, err := server.Client().Do(request)
	if err != nil {
		test.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusUnauthorized {
		test.Fatalf("expected 401 without token, got %d", response.StatusCode)
	}
}

func TestServiceRoutesRejectForgedToken(test *testing.T) {
	server, cfg, _ := startTestServer(test)

	forged := cfg
	forged.ServiceTokenSecret = "wrong-secret"
	token := buildServiceToken(test, forged, "intruder", nil)

	status, _ := execJSON(test, server, http.MethodGet, "/v1/credits/balance/user-1", token, nil)
	if status != http.StatusUnauthorized {
		test.Fatalf("expected 401 for forged token, got %d", status)
	}
}

func TestWalletRequiresSession(test *testing.T) {
	server, _, _ := startTestServer(test)

	request, err := http.NewRequest(http.MethodGet, server.URL+"/api/wallet", nil)
	if err != nil {
		test.Fatalf("request init failed: %v", err)
	}
	response, err := server.Client().Do(request)
	if err != nil {
		test.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusUnauthorized {
		test.Fatalf("expected 401 without session, got %d", response.StatusCode)
	}
}

func TestWalletReturnsBalanceAndHistory(test *testing.T) {
	server, cfg, _ := startTestServer(test)
	token := buildServiceToken(test, cfg, "billing", nil)

	execJSONExpecting(test, server, http.MethodPost, "/v1/credits/accounts", token, map[string]any{
		"user_id": "session-user", "plan": "pro", "signup_bonus": 50,
	}, http.StatusCreated)

	cookie := buildSessionCookie(test, cfg, "session-user")
	request, err := http.NewRequest(http.MethodGet, server.URL+"/api/wallet", nil)
	if err != nil {
		test.Fatalf("request init failed: %v", err)
	}
	request.AddCookie(cookie)
	response, err := server.Client().Do(request)
	if err != nil {
		test.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		test.Fatalf("expected 200, got %d", response.StatusCode)
	}
	var walletResponse struct {
		UserID  string `json:"user_id"`
		Credits int64  `json:"credits"`
		Entries []struct {
			Type string `json:"type"`
		} `json:"entries"`
	}
	if err := json.NewDecoder(response.Body).Decode(&walletResponse); err != nil {
		test.Fatalf("decode failed: %v", err)
	}
	if walletResponse.UserID != "session-user" || walletResponse.Credits != 50 {
		test.Fatalf("unexpected wallet: %+v", walletResponse)
	}
	if len(walletResponse.Entries) != 1 || walletResponse.Entries[0].Type != "CREDIT" {
		test.Fatalf("expected signup bonus entry, got %+v", walletResponse.Entries)
	}
}

func TestHealthzIsPublic(test *testing.T) {
	server, _, _ := startTestServer(test)

	response, err := server.Client().Get(server.URL + "/healthz")
	if err != nil {
		test.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		test.Fatalf("expected 200 from healthz, got %d", response.StatusCode)
	}
}

func startTestServer(test *testing.T) (*httptest.Server, Config, *metrics.Collector) {
	test.Helper()

	db, err := gorm.Open(sqlite.Open(test.TempDir()+"/ledger.db"), &gorm.Config{})
	if err != nil {
		test.Fatalf("sqlite open failed: %v", err)
	}
	if err := db.AutoMigrate(&gormstore.CreditBalance{}, &gormstore.CreditEntry{}, &gormstore.CreditSettlement{}); err != nil {
		test.Fatalf("automigrate failed: %v", err)
	}
	store := gormstore.New(db)
	clock := func() int64 { return time.Now().UTC().Unix() }
	service, err := creditledger.NewService(store, clock)
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}

	cfg := Config{
		ListenAddr:         ":0",
		AllowedOrigins:     []string{"http://localhost:8000"},
		ServiceTokenSecret: "service-secret",
		ServiceTokenIssuer: "complyon",
		SessionSigningKey:  "session-secret",
		SessionIssuer:      "tauth",
		SessionCookieName:  "app_session",
		ShutdownTimeout:    2 * time.Second,
		WalletHistoryLimit: 10,
	}

	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		test.Fatalf("validator init failed: %v", err)
	}

	collector := metrics.NewCollector()
	serverHandler := &handler{
		logger:  zap.NewNop(),
		ledger:  service,
		metrics: collector,
		cfg:     cfg,
	}
	router := setupRouter(cfg, serverHandler, collector, validator)
	server := httptest.NewServer(router)
	test.Cleanup(server.Close)
	return server, cfg, collector
}

func buildServiceToken(test *testing.T, cfg Config, subject string, roles []string) string {
	test.Helper()
	claims := jwt.MapClaims{
		"sub": subject,
		"iss": cfg.ServiceTokenIssuer,
		"iat": jwt.NewNumericDate(time.Now().UTC()),
		"exp": jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	if len(roles) > 0 {
		claims["roles"] = roles
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(cfg.ServiceTokenSecret))
	if err != nil {
		test.Fatalf("token signing failed: %v", err)
	}
	return signed
}

func buildSessionCookie(test *testing.T, cfg Config, userID string) *http.Cookie {
	test.Helper()
	claims := &sessionvalidator.Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.SessionIssuer,
			IssuedAt:  jwt.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(cfg.SessionSigningKey))
	if err != nil {
		test.Fatalf("session signing failed: %v", err)
	}
	return &http.Cookie{Name: cfg.SessionCookieName, Value: signed}
}

func execJSON(test *testing.T, server *httptest.Server, method, path, token string, payload map[string]any) (int, []byte) {
	test.Helper()
	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			test.Fatalf("marshal failed: %v", err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}
	request, err := http.NewRequest(method, server.URL+path, body)
	if err != nil {
		test.Fatalf("request init failed: %v", err)
	}
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	request.Header.Set("Authorization", "Bearer "+token)
	response, err := server.Client().Do(request)
	if err != nil {
		test.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	var buffer bytes.Buffer
	if _, err := buffer.ReadFrom(response.Body); err != nil {
		test.Fatalf("read body failed: %v", err)
	}
	return response.StatusCode, buffer.Bytes()
}

func mustDecode(test *testing.T, body []byte, target any) {
	test.Helper()
	if err := json.Unmarshal(body, target); err != nil {
		test.Fatalf("decode failed: %v (body %s)", err, body)
	}
}

func execJSONExpecting(test *testing.T, server *httptest.Server, method, path, token string, payload map[string]any, expected int) {
	test.Helper()
	status, body := execJSON(test, server, method, path, token, payload)
	if status != expected {
		test.Fatalf("expected %d from %s %s, got %d: %s", expected, method, path, status, body)
	}
}
