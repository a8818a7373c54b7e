package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"opnameinaja/backend/internal/domain"
	"opnameinaja/backend/internal/service"
	"opnameinaja/backend/internal/store/memory"
	"opnameinaja/backend/internal/variance"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path. The
// default store id matches the seeded inventory so system quantity snapshots
// pick up the seeded stock.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded()
	engine := variance.NewEngine(nil, 0)
	svc := service.New(repo, engine, "main-store")
	auth := NewAuthManager("test-secret-key", time.Hour, "123456", repo)

	return New(svc, auth, "*")
}

func fetchCSRFToken(t *testing.T, handler http.Handler) string {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/csrf-token", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("csrf token fetch: expected 200, got %d", rec.Code)
	}
	var body struct {
		CSRFToken string `json:"csrf_token"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode csrf token: %v", err)
	}
	if body.CSRFToken == "" {
		t.Fatalf("expected a non-empty csrf token")
	}
	return body.CSRFToken
}

func login(t *testing.T, handler http.Handler, username string, password string) string {
	t.Helper()

	payload, _ := json.Marshal(domain.LoginRequest{Username: username, Password: password})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("login as %s: expected 200, got %d (%s)", username, rec.Code, rec.Body.String())
	}
	var resp domain.LoginResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	if resp.AccessToken == "" {
		t.Fatalf("expected a non-empty access token")
	}
	return resp.AccessToken
}

func loginAsAdmin(t *testing.T, handler http.Handler) string {
	t.Helper()
	return login(t, handler, "admin", "admin123")
}

// doJSON performs an authenticated JSON request against the handler.
func doJSON(t *testing.T, handler http.Handler, method string, path string, token string, csrf string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if csrf != "" {
		req.Header.Set("X-CSRF-Token", csrf)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func intPtr(v int) *int {
	return &v
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestLoginRejectsBadPassword(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	payload, _ := json.Marshal(domain.LoginRequest{Username: "admin", Password: "wrong-password"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestProductsRequireAuth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/products", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	token := loginAsAdmin(t, handler)
	rec = doJSON(t, handler, http.MethodGet, "/api/v1/products", token, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d (%s)", rec.Code, rec.Body.String())
	}
	var body struct {
		Products []domain.Product `json:"products"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode products: %v", err)
	}
	if len(body.Products) == 0 {
		t.Fatalf("expected seeded products")
	}
}

func TestMutatingRequestsRequireCSRFToken(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAsAdmin(t, handler)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/opname-sessions", token, "", domain.SessionOpenRequest{})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without csrf token, got %d", rec.Code)
	}
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAsAdmin(t, handler)
	csrf := fetchCSRFToken(t, handler)

	// Open a session.
	rec := doJSON(t, handler, http.MethodPost, "/api/v1/opname-sessions", token, csrf, domain.SessionOpenRequest{Note: "monthly"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("open session: expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
	var opened domain.SessionResponse
	if err := json.NewDecoder(rec.Body).Decode(&opened); err != nil {
		t.Fatalf("decode open response: %v", err)
	}
	sessionID := opened.Session.ID
	if sessionID == "" {
		t.Fatalf("expected a session id")
	}

	// A second open conflicts while the first is in progress.
	rec = doJSON(t, handler, http.MethodPost, "/api/v1/opname-sessions", token, csrf, domain.SessionOpenRequest{})
	if rec.Code != http.StatusConflict {
		t.Fatalf("second open: expected 409, got %d", rec.Code)
	}

	// Submit a count: seeded SKU-MIE-01 carries 40 units.
	itemsPath := fmt.Sprintf("/api/v1/opname-sessions/%s/items", sessionID)
	rec = doJSON(t, handler, http.MethodPost, itemsPath, token, csrf, domain.ItemSubmitRequest{
		SKU:        "SKU-MIE-01",
		CountedQty: intPtr(36),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("submit item: expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	var submitted domain.ItemResponse
	if err := json.NewDecoder(rec.Body).Decode(&submitted); err != nil {
		t.Fatalf("decode item response: %v", err)
	}
	if submitted.Item.SystemQty != 40 || submitted.Item.DeltaQty != -4 {
		t.Fatalf("expected snapshot 40 delta -4, got %d / %d", submitted.Item.SystemQty, submitted.Item.DeltaQty)
	}

	// The variance report reflects the count.
	rec = doJSON(t, handler, http.MethodGet, fmt.Sprintf("/api/v1/opname-sessions/%s/variance", sessionID), token, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("variance: expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	var report domain.VarianceReport
	if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
		t.Fatalf("decode variance report: %v", err)
	}
	if report.ShortageQty != 4 {
		t.Fatalf("expected shortage 4, got %d", report.ShortageQty)
	}

	// Finalize requires the manager PIN.
	finalizePath := fmt.Sprintf("/api/v1/opname-sessions/%s/finalize", sessionID)
	rec = doJSON(t, handler, http.MethodPost, finalizePath, token, csrf, domain.SessionFinalizeRequest{
		FinalNote:  "done",
		ManagerPIN: "999999",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("finalize with wrong pin: expected 403, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, finalizePath, token, csrf, domain.SessionFinalizeRequest{
		FinalNote:  "done",
		ManagerPIN: "123456",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("finalize: expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	var finalized domain.SessionResponse
	if err := json.NewDecoder(rec.Body).Decode(&finalized); err != nil {
		t.Fatalf("decode finalize response: %v", err)
	}
	if finalized.Session.Status != domain.SessionStatusCompleted {
		t.Fatalf("expected completed status, got %s", finalized.Session.Status)
	}

	// Stock now carries the counted quantity.
	rec = doJSON(t, handler, http.MethodGet, "/api/v1/stocks?store_id=main-store", token, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stocks: expected 200, got %d", rec.Code)
	}
	var stocks domain.StockListResponse
	if err := json.NewDecoder(rec.Body).Decode(&stocks); err != nil {
		t.Fatalf("decode stocks: %v", err)
	}
	for _, level := range stocks.Stocks {
		if level.SKU == "SKU-MIE-01" && level.Qty != 36 {
			t.Fatalf("expected SKU-MIE-01 stock 36 after finalize, got %d", level.Qty)
		}
	}

	// A late count on the closed session is rejected as a state conflict.
	rec = doJSON(t, handler, http.MethodPost, itemsPath, token, csrf, domain.ItemSubmitRequest{
		SKU:        "SKU-MIE-01",
		CountedQty: intPtr(10),
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("late submit: expected 409, got %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestCancelSessionOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAsAdmin(t, handler)
	csrf := fetchCSRFToken(t, handler)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/opname-sessions", token, csrf, domain.SessionOpenRequest{})
	if rec.Code != http.StatusCreated {
		t.Fatalf("open session: expected 201, got %d", rec.Code)
	}
	var opened domain.SessionResponse
	if err := json.NewDecoder(rec.Body).Decode(&opened); err != nil {
		t.Fatalf("decode open response: %v", err)
	}

	cancelPath := fmt.Sprintf("/api/v1/opname-sessions/%s/cancel", opened.Session.ID)
	rec = doJSON(t, handler, http.MethodPost, cancelPath, token, csrf, domain.SessionCancelRequest{ManagerPIN: "123456"})
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	var cancelled domain.SessionResponse
	if err := json.NewDecoder(rec.Body).Decode(&cancelled); err != nil {
		t.Fatalf("decode cancel response: %v", err)
	}
	if cancelled.Session.Status != domain.SessionStatusCancelled {
		t.Fatalf("expected cancelled status, got %s", cancelled.Session.Status)
	}
}

func TestRestockForbiddenForCounter(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := login(t, handler, "counter", "counter123")
	csrf := fetchCSRFToken(t, handler)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/stocks/restock", token, csrf, domain.RestockRequest{
		Items: []domain.StockAdjustment{{SKU: "SKU-MIE-01", Qty: 5}},
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for counter restock, got %d", rec.Code)
	}
}

func TestUnknownSessionReturnsNotFound(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAsAdmin(t, handler)

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/opname-sessions/op-missing", token, "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown session, got %d", rec.Code)
	}
}

func TestCreateCounterOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAsAdmin(t, handler)
	csrf := fetchCSRFToken(t, handler)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/users/counters", token, csrf, domain.CounterCreateRequest{
		Username: "counter2",
		Password: "secret-pass",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create counter: expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}

	// The new account can log in right away.
	login(t, handler, "counter2", "secret-pass")
}
