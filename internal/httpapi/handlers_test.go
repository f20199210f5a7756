package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"fiscalpos/backend/internal/alert"
	"fiscalpos/backend/internal/domain"
	"fiscalpos/backend/internal/jurisdiction"
	"fiscalpos/backend/internal/ledger"
	"fiscalpos/backend/internal/qr"
	"fiscalpos/backend/internal/queue"
	"fiscalpos/backend/internal/reporting"
	"fiscalpos/backend/internal/scheduler"
	"fiscalpos/backend/internal/service"
	"fiscalpos/backend/internal/store/memory"
)

const testManagerPIN = "482913"

type testEnv struct {
	api     *API
	handler http.Handler
	queue   *queue.Queue
	sandbox *reporting.Sandbox
}

// newTestAPI wires the real service, queue and scheduler over an in-memory
// store so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) testEnv {
	t.Helper()

	repo, err := memory.NewSeeded(
		memory.SeedUser{Username: "admin", Password: "admin-pass-1", Role: domain.RoleAdmin},
		memory.SeedUser{Username: "till1", Password: "till-pass-1", Role: domain.RoleTerminal},
	)
	if err != nil {
		t.Fatalf("seed store: %v", err)
	}
	profiles := jurisdiction.NewDefaultRegistry()
	recorder := alert.NewRecorder(50)
	l := ledger.New(repo, ledger.Hasher{}, ledger.WithNotifier(recorder))
	q := queue.New(repo, profiles, recorder, queue.Config{})
	svc := service.New(profiles, l, qr.NewEncoder(profiles, nil), q, service.Config{
		Seller: domain.Seller{Name: "Maktabah Store", TaxID: "300000000000003"},
	}, service.WithAlertHistory(recorder))

	sandbox := reporting.NewSandbox()
	sched := scheduler.New(q, sandbox, scheduler.Config{Workers: 2}, scheduler.WithVerifier(l), scheduler.WithReconciler(svc))
	svc.SetSyncer(sched)

	auth := NewAuthManager("test-secret-key", time.Hour, testManagerPIN, repo)
	api := New(svc, auth, "*")
	return testEnv{api: api, handler: api.Handler(), queue: q, sandbox: sandbox}
}

func (e testEnv) login(t *testing.T, username, password string) string {
	t.Helper()
	body, _ := json.Marshal(domain.LoginRequest{Username: username, Password: password})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("login %s: expected 200, got %d (%s)", username, rec.Code, rec.Body.String())
	}
	var resp domain.LoginResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	return resp.AccessToken
}

func (e testEnv) do(t *testing.T, method, path, token string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func issuePayload(price string) map[string]any {
	return map[string]any{
		"device_id": "POS-1",
		"items": []map[string]any{
			{"name": "Dates 1kg", "quantity": "1", "unit": "pcs", "unit_price": price},
		},
	}
}

func TestHandleHealth(t *testing.T) {
	env := newTestAPI(t)
	rec := env.do(t, http.MethodGet, "/healthz", "", nil)

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

func TestIssueInvoiceThenFetchDetail(t *testing.T) {
	env := newTestAPI(t)
	token := env.login(t, "till1", "till-pass-1")

	rec := env.do(t, http.MethodPost, "/api/v1/invoices", token, issuePayload("10.00"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
	var issued domain.IssueInvoiceResponse
	if err := json.NewDecoder(rec.Body).Decode(&issued); err != nil {
		t.Fatalf("decode issue response: %v", err)
	}
	if issued.Invoice.Sequence != 1 || issued.Invoice.PreviousHash != ledger.GenesisHash {
		t.Fatalf("unexpected first invoice: seq=%d prev=%s", issued.Invoice.Sequence, issued.Invoice.PreviousHash)
	}
	if issued.Invoice.Totals.Total != 1000 || issued.Invoice.Totals.TaxAmount != 130 {
		t.Fatalf("unexpected totals: %+v", issued.Invoice.Totals)
	}
	if !issued.Queued || issued.QRPayload == "" {
		t.Fatalf("expected queued invoice with qr payload")
	}

	rec = env.do(t, http.MethodGet, "/api/v1/devices/POS-1/invoices/1", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	var detail domain.InvoiceDetail
	if err := json.NewDecoder(rec.Body).Decode(&detail); err != nil {
		t.Fatalf("decode detail: %v", err)
	}
	if detail.Invoice.ChainHash != issued.Invoice.ChainHash {
		t.Fatalf("detail chain hash mismatch")
	}
	if detail.QueueStatus != domain.QueueStatusPending {
		t.Fatalf("expected pending, got %s", detail.QueueStatus)
	}
}

func TestIssueInvoiceValidationErrors(t *testing.T) {
	env := newTestAPI(t)
	token := env.login(t, "till1", "till-pass-1")

	cases := []struct {
		name    string
		payload any
		status  int
	}{
		{name: "missing device", payload: map[string]any{"items": []any{}}, status: http.StatusBadRequest},
		{name: "unknown jurisdiction", payload: map[string]any{"device_id": "POS-1", "jurisdiction": "XX", "items": issuePayload("1.00")["items"]}, status: http.StatusBadRequest},
		{name: "negative price", payload: issuePayload("-1.00"), status: http.StatusBadRequest},
		{name: "unknown field", payload: map[string]any{"device_id": "POS-1", "surprise": true}, status: http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/v1/invoices", token, tc.payload)
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d (%s)", tc.status, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestGetMissingInvoiceReturns404(t *testing.T) {
	env := newTestAPI(t)
	token := env.login(t, "admin", "admin-pass-1")

	rec := env.do(t, http.MethodGet, "/api/v1/devices/POS-9/invoices/3", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/api/v1/devices/POS-9/invoices/zero", token, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad sequence, got %d", rec.Code)
	}
}

func TestRunSyncAcknowledgesQueuedInvoices(t *testing.T) {
	env := newTestAPI(t)
	till := env.login(t, "till1", "till-pass-1")
	admin := env.login(t, "admin", "admin-pass-1")

	for _, price := range []string{"10.00", "20.00"} {
		if rec := env.do(t, http.MethodPost, "/api/v1/invoices", till, issuePayload(price)); rec.Code != http.StatusCreated {
			t.Fatalf("issue: %d %s", rec.Code, rec.Body.String())
		}
	}

	rec := env.do(t, http.MethodPost, "/api/v1/sync/run", admin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	var result domain.SyncResult
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("decode sync result: %v", err)
	}
	if result.Acknowledged != 2 {
		t.Fatalf("expected 2 acknowledged, got %+v", result)
	}
	if got := env.sandbox.Accepted("POS-1"); got != 2 {
		t.Fatalf("expected authority to hold 2 invoices, got %d", got)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/devices/POS-1/queue", till, nil)
	var status domain.QueueStatusReport
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("decode queue status: %v", err)
	}
	if status.Acknowledged != 2 || status.Pending != 0 {
		t.Fatalf("unexpected queue status: %+v", status)
	}
}

func TestVerifyChainEndpoint(t *testing.T) {
	env := newTestAPI(t)
	till := env.login(t, "till1", "till-pass-1")
	admin := env.login(t, "admin", "admin-pass-1")

	for _, price := range []string{"10.00", "20.00", "15.50"} {
		env.do(t, http.MethodPost, "/api/v1/invoices", till, issuePayload(price))
	}

	rec := env.do(t, http.MethodGet, "/api/v1/devices/POS-1/verify?from=2", admin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	var report domain.ChainReport
	if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if !report.Valid || report.Checked != 2 || report.From != 2 || report.To != 3 {
		t.Fatalf("unexpected report: %+v", report)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/devices/POS-1/verify?from=-1", admin, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative bound, got %d", rec.Code)
	}
}

func TestResumeDeviceNeedsManagerPIN(t *testing.T) {
	env := newTestAPI(t)
	admin := env.login(t, "admin", "admin-pass-1")

	rec := env.do(t, http.MethodPost, "/api/v1/devices/POS-1/resume", admin, domain.ManagerApprovalRequest{ManagerPIN: "000000", Reason: "fixed buyer tax id"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for wrong pin, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/devices/POS-1/resume", admin, domain.ManagerApprovalRequest{ManagerPIN: testManagerPIN, Reason: "fixed buyer tax id"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without a hold, got %d (%s)", rec.Code, rec.Body.String())
	}

	till := env.login(t, "till1", "till-pass-1")
	if issued := env.do(t, http.MethodPost, "/api/v1/invoices", till, issuePayload("10.00")); issued.Code != http.StatusCreated {
		t.Fatalf("issue: %d", issued.Code)
	}
	entry, err := env.queue.EntryBySequence(context.Background(), "POS-1", 1)
	if err != nil {
		t.Fatalf("entry: %v", err)
	}
	if err := env.queue.Hold(context.Background(), *entry, "rejected by authority"); err != nil {
		t.Fatalf("hold: %v", err)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/devices/POS-1/resume", admin, domain.ManagerApprovalRequest{ManagerPIN: testManagerPIN, Reason: "fixed buyer tax id"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if hold, err := env.queue.HoldFor(context.Background(), "POS-1"); err != nil || hold != nil {
		t.Fatalf("expected hold lifted, hold=%+v err=%v", hold, err)
	}
}

func TestClearHaltOnHealthyChain(t *testing.T) {
	env := newTestAPI(t)
	admin := env.login(t, "admin", "admin-pass-1")
	till := env.login(t, "till1", "till-pass-1")
	env.do(t, http.MethodPost, "/api/v1/invoices", till, issuePayload("10.00"))

	rec := env.do(t, http.MethodPost, "/api/v1/devices/POS-1/ledger/clear-halt", admin, domain.ManagerApprovalRequest{ManagerPIN: testManagerPIN, Reason: "audit done"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	var report domain.ChainReport
	if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if !report.Valid || report.Checked != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestDevicesAndAlerts(t *testing.T) {
	env := newTestAPI(t)
	admin := env.login(t, "admin", "admin-pass-1")
	till := env.login(t, "till1", "till-pass-1")
	env.do(t, http.MethodPost, "/api/v1/invoices", till, issuePayload("10.00"))

	rec := env.do(t, http.MethodGet, "/api/v1/devices", admin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Devices []domain.LedgerState `json:"devices"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode devices: %v", err)
	}
	if len(body.Devices) != 1 || body.Devices[0].LastSequence != 1 {
		t.Fatalf("unexpected devices: %+v", body.Devices)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/alerts?limit=5", admin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestClockEndpointWithoutClock(t *testing.T) {
	env := newTestAPI(t)
	admin := env.login(t, "admin", "admin-pass-1")

	rec := env.do(t, http.MethodGet, "/api/v1/clock", admin, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}
