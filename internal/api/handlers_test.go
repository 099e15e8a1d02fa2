package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/hyperengineering/fieldsync/internal/dao"
	"github.com/hyperengineering/fieldsync/internal/entity"
	"github.com/hyperengineering/fieldsync/internal/gate"
	"github.com/hyperengineering/fieldsync/internal/store"
	"github.com/hyperengineering/fieldsync/internal/types"
)

// --- Fakes ---

type fakeGate struct {
	st      gate.Status
	after   gate.Status
	retries int
}

func (g *fakeGate) Status() gate.Status { return g.st }

func (g *fakeGate) Retry(ctx context.Context) gate.Status {
	g.retries++
	g.st = g.after
	return g.st
}

type fakeConn struct{ online bool }

func (c fakeConn) Online() bool { return c.online }

type fakeKicker struct{ kicks atomic.Int32 }

func (k *fakeKicker) Kick() { k.kicks.Add(1) }

func newTestRegistry(t *testing.T) *dao.Registry {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return dao.NewRegistry(st, entity.Default())
}

type testAPI struct {
	reg    *dao.Registry
	gate   *fakeGate
	kicker *fakeKicker
	router http.Handler
}

func newTestAPI(t *testing.T, apiKey string) *testAPI {
	t.Helper()
	a := &testAPI{
		reg:    newTestRegistry(t),
		gate:   &fakeGate{st: gate.Status{State: gate.Done}},
		kicker: &fakeKicker{},
	}
	h := NewHandler(a.reg, a.gate, fakeConn{online: true}, apiKey, "1.2.3",
		WithKicker(a.kicker), WithDeviceID("device-1"))
	a.router = NewRouter(h)
	return a
}

func (a *testAPI) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return v
}

func (a *testAPI) createCustomer(t *testing.T, name string) map[string]any {
	t.Helper()
	w := a.do(t, http.MethodPost, "/api/v1/entities/customers", `{"fields":{"customer_name":"`+name+`"}}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create customer status = %d, body %s", w.Code, w.Body.String())
	}
	return decode[map[string]any](t, w)
}

// --- Status endpoints ---

func TestHealth(t *testing.T) {
	a := newTestAPI(t, testAPIKey)
	a.gate.st = gate.Status{State: gate.NeedsSync}

	// Given no Authorization header, When health is requested
	w := a.do(t, http.MethodGet, "/api/v1/health", "")

	// Then it is served publicly with device and gate state
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	resp := decode[types.HealthResponse](t, w)
	if resp.Status != "healthy" || resp.Version != "1.2.3" || !resp.Online {
		t.Errorf("health = %+v", resp)
	}
	if resp.GateState != "NEEDS_SYNC" || resp.DeviceID != "device-1" {
		t.Errorf("health = %+v, want NEEDS_SYNC on device-1", resp)
	}
}

func TestProtectedRoutesRequireKey(t *testing.T) {
	a := newTestAPI(t, testAPIKey)

	w := a.do(t, http.MethodGet, "/api/v1/sync/pending", "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sync/pending", nil)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status with key = %d, want 200", rec.Code)
	}
}

func TestGateRetry(t *testing.T) {
	a := newTestAPI(t, "")
	a.gate.st = gate.Status{State: gate.NeedsSync}
	a.gate.after = gate.Status{State: gate.Done}

	w := a.do(t, http.MethodPost, "/api/v1/gate/retry", "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if st := decode[gate.Status](t, w); st.State != gate.Done {
		t.Errorf("state = %s, want DONE", st.State)
	}
	if a.gate.retries != 1 {
		t.Errorf("retries = %d, want 1", a.gate.retries)
	}
}

func TestGateRetry_NotRetryable(t *testing.T) {
	a := newTestAPI(t, "")

	w := a.do(t, http.MethodPost, "/api/v1/gate/retry", "")

	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
	if a.gate.retries != 0 {
		t.Errorf("retries = %d, want 0", a.gate.retries)
	}
}

func TestSyncNow_KicksCoordinator(t *testing.T) {
	a := newTestAPI(t, "")

	w := a.do(t, http.MethodPost, "/api/v1/sync", "")

	if w.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202", w.Code)
	}
	if got := a.kicker.kicks.Load(); got != 1 {
		t.Errorf("kicks = %d, want 1", got)
	}
}

func TestSyncNow_NoCoordinator(t *testing.T) {
	reg := newTestRegistry(t)
	h := NewHandler(reg, &fakeGate{st: gate.Status{State: gate.Done}}, fakeConn{}, "", "dev")
	w := httptest.NewRecorder()

	NewRouter(h).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/sync", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestPending_CountsLocalWrites(t *testing.T) {
	a := newTestAPI(t, "")
	a.createCustomer(t, "Asha")
	a.createCustomer(t, "Ravi")

	w := a.do(t, http.MethodGet, "/api/v1/sync/pending", "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	resp := decode[types.PendingResponse](t, w)
	if resp.Total != 2 {
		t.Errorf("total = %d, want 2", resp.Total)
	}
	var customers int64
	for _, e := range resp.Entities {
		if e.Entity == entity.Customers {
			customers = e.Pending
		}
	}
	if customers != 2 {
		t.Errorf("customers pending = %d, want 2", customers)
	}
}

// --- Entity routes ---

func TestEntityRoutes_BlockedUntilGateDone(t *testing.T) {
	a := newTestAPI(t, "")
	a.gate.st = gate.Status{State: gate.Syncing, Entity: entity.Customers}

	w := a.do(t, http.MethodGet, "/api/v1/entities/customers", "")

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}
}

func TestUnknownEntity(t *testing.T) {
	a := newTestAPI(t, "")

	w := a.do(t, http.MethodGet, "/api/v1/entities/widgets", "")

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestCreate_QueuesPendingCreate(t *testing.T) {
	a := newTestAPI(t, "")

	w := a.do(t, http.MethodPost, "/api/v1/entities/customers",
		`{"fields":{"customer_name":"Asha","phone_number":"98450"}}`)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	body := decode[map[string]any](t, w)
	id, _ := body["id"].(string)
	if !strings.HasPrefix(id, entity.LocalPrefix) {
		t.Errorf("id = %q, want local id", id)
	}
	if loc := w.Header().Get("Location"); loc != "/api/v1/entities/customers/"+id {
		t.Errorf("Location = %q", loc)
	}
	if a.kicker.kicks.Load() != 1 {
		t.Errorf("kicks = %d, want 1", a.kicker.kicks.Load())
	}

	rec, err := a.reg.MustDAO(entity.Customers).GetByID(context.Background(), entity.ParseID(id))
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if !rec.PendingSync || rec.SyncOp != entity.OpCreate {
		t.Errorf("pending = %v op = %v, want pending create", rec.PendingSync, rec.SyncOp)
	}
}

func TestCreate_ValidationErrors(t *testing.T) {
	a := newTestAPI(t, "")

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"invalid json", `{"fields":`, http.StatusBadRequest},
		{"missing required", `{"fields":{"phone_number":"1"}}`, http.StatusUnprocessableEntity},
		{"unknown column", `{"fields":{"customer_name":"A","nope":1}}`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := a.do(t, http.MethodPost, "/api/v1/entities/customers", tt.body)
			if w.Code != tt.status {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.status, w.Body.String())
			}
		})
	}
	if a.kicker.kicks.Load() != 0 {
		t.Errorf("kicks = %d, want 0 after rejected writes", a.kicker.kicks.Load())
	}
}

func TestCreate_DuplicateID(t *testing.T) {
	a := newTestAPI(t, "")
	body := `{"id":"client-0b0c6f5e-1111-4c1a-9d55-5d4f0f0b7a11","fields":{"customer_name":"Asha"}}`

	if w := a.do(t, http.MethodPost, "/api/v1/entities/customers", body); w.Code != http.StatusCreated {
		t.Fatalf("first create status = %d", w.Code)
	}
	if w := a.do(t, http.MethodPost, "/api/v1/entities/customers", body); w.Code != http.StatusConflict {
		t.Errorf("second create status = %d, want 409", w.Code)
	}
}

func TestCreate_BillWithItems(t *testing.T) {
	a := newTestAPI(t, "")
	cust := a.createCustomer(t, "Asha")

	w := a.do(t, http.MethodPost, "/api/v1/entities/bills", `{
		"fields": {"customer_id": "`+cust["id"].(string)+`", "total_amount": 100, "due_amount": 100},
		"children": {"bill_items": [
			{"item_id": "srv-i1", "item_type": "generic", "qty": 2},
			{"item_id": "srv-s1", "item_type": "service", "qty": 1}
		]}
	}`)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	id := decode[map[string]any](t, w)["id"].(string)
	bill, err := a.reg.MustDAO(entity.Bills).GetByID(context.Background(), entity.ParseID(id))
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if n := len(bill.Children[entity.BillItems]); n != 2 {
		t.Errorf("bill items = %d, want 2", n)
	}
}

func TestCreate_UnknownChild(t *testing.T) {
	a := newTestAPI(t, "")

	w := a.do(t, http.MethodPost, "/api/v1/entities/customers",
		`{"fields":{"customer_name":"A"},"children":{"bill_items":[{"qty":1}]}}`)

	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", w.Code)
	}
}

func TestList_SearchFilterAndPaging(t *testing.T) {
	a := newTestAPI(t, "")
	a.createCustomer(t, "Asha Rao")
	a.createCustomer(t, "Ravi Kumar")
	a.createCustomer(t, "Asha Menon")

	w := a.do(t, http.MethodGet, "/api/v1/entities/customers?q=Asha&limit=1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	resp := decode[map[string]any](t, w)
	if resp["count"] != float64(1) || resp["limit"] != float64(1) {
		t.Errorf("count = %v limit = %v, want 1 and 1", resp["count"], resp["limit"])
	}

	w = a.do(t, http.MethodGet, "/api/v1/entities/customers?customer_name=Ravi+Kumar", "")
	resp = decode[map[string]any](t, w)
	items := resp["items"].([]any)
	if len(items) != 1 || items[0].(map[string]any)["customer_name"] != "Ravi Kumar" {
		t.Errorf("items = %v, want Ravi Kumar only", items)
	}
}

func TestList_EmptyIsArray(t *testing.T) {
	a := newTestAPI(t, "")

	w := a.do(t, http.MethodGet, "/api/v1/entities/services", "")

	if !strings.Contains(w.Body.String(), `"items":[]`) {
		t.Errorf("body = %s, want empty items array", w.Body.String())
	}
}

func TestList_BadParams(t *testing.T) {
	a := newTestAPI(t, "")

	tests := []struct {
		query  string
		status int
	}{
		{"limit=abc", http.StatusBadRequest},
		{"limit=0", http.StatusBadRequest},
		{"offset=-1", http.StatusBadRequest},
		{"nope=1", http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		w := a.do(t, http.MethodGet, "/api/v1/entities/customers?"+tt.query, "")
		if w.Code != tt.status {
			t.Errorf("GET ?%s status = %d, want %d", tt.query, w.Code, tt.status)
		}
	}
}

func TestList_LimitClamped(t *testing.T) {
	a := newTestAPI(t, "")

	w := a.do(t, http.MethodGet, "/api/v1/entities/customers?limit=10000", "")

	if resp := decode[types.ListResponse](t, w); resp.Limit != maxListLimit {
		t.Errorf("limit = %d, want %d", resp.Limit, maxListLimit)
	}
}

func TestGet_NotFound(t *testing.T) {
	a := newTestAPI(t, "")

	w := a.do(t, http.MethodGet, "/api/v1/entities/customers/srv-missing", "")

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestUpdate(t *testing.T) {
	a := newTestAPI(t, "")
	id := a.createCustomer(t, "Asha")["id"].(string)
	path := "/api/v1/entities/customers/" + id

	w := a.do(t, http.MethodPatch, path, `{"fields":{"address":"12 MG Road"}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if got := decode[map[string]any](t, w)["address"]; got != "12 MG Road" {
		t.Errorf("address = %v, want 12 MG Road", got)
	}

	if w := a.do(t, http.MethodPatch, path, `{"fields":{}}`); w.Code != http.StatusBadRequest {
		t.Errorf("empty fields status = %d, want 400", w.Code)
	}
	if w := a.do(t, http.MethodPatch, path, `{"fields":{"created_by":"x"}}`); w.Code != http.StatusUnprocessableEntity {
		t.Errorf("non-editable status = %d, want 422", w.Code)
	}
	if w := a.do(t, http.MethodPatch, "/api/v1/entities/customers/srv-missing", `{"fields":{"address":"x"}}`); w.Code != http.StatusNotFound {
		t.Errorf("missing record status = %d, want 404", w.Code)
	}
}

func TestDelete(t *testing.T) {
	a := newTestAPI(t, "")
	id := a.createCustomer(t, "Asha")["id"].(string)
	path := "/api/v1/entities/customers/" + id

	if w := a.do(t, http.MethodDelete, path, ""); w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
	if w := a.do(t, http.MethodGet, path, ""); w.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", w.Code)
	}
}

func TestAddPayment(t *testing.T) {
	a := newTestAPI(t, "")
	cust := a.createCustomer(t, "Asha")
	w := a.do(t, http.MethodPost, "/api/v1/entities/bills",
		`{"fields":{"customer_id":"`+cust["id"].(string)+`","total_amount":100,"due_amount":100}}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create bill status = %d, body %s", w.Code, w.Body.String())
	}
	billPath := "/api/v1/entities/bills/" + decode[map[string]any](t, w)["id"].(string)

	w = a.do(t, http.MethodPost, billPath+"/payments", `{"amount":40,"note":"cash"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("payment status = %d, body %s", w.Code, w.Body.String())
	}
	bill := decode[map[string]any](t, w)
	if bill["due_amount"] != float64(60) || bill["status"] != dao.BillPartial {
		t.Errorf("due = %v status = %v, want 60 partial", bill["due_amount"], bill["status"])
	}

	if w := a.do(t, http.MethodPost, billPath+"/payments", `{"amount":0}`); w.Code != http.StatusUnprocessableEntity {
		t.Errorf("zero payment status = %d, want 422", w.Code)
	}
	if w := a.do(t, http.MethodPost, billPath+"/payments", `{"amount":500}`); w.Code != http.StatusUnprocessableEntity {
		t.Errorf("overpayment status = %d, want 422", w.Code)
	}
}

func TestAddPayment_OnlyBills(t *testing.T) {
	a := newTestAPI(t, "")
	id := a.createCustomer(t, "Asha")["id"].(string)

	w := a.do(t, http.MethodPost, "/api/v1/entities/customers/"+id+"/payments", `{"amount":10}`)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestMetrics(t *testing.T) {
	a := newTestAPI(t, "")
	ctx := context.Background()
	if err := a.reg.Metrics().Put(ctx, dao.MetricsKey("today"), json.RawMessage(`{"totalSales":900}`)); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	w := a.do(t, http.MethodGet, "/api/v1/dashboard/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	resp := decode[types.MetricsResponse](t, w)
	if resp.Period != "today" || string(resp.Data) != `{"totalSales":900}` {
		t.Errorf("metrics = %+v", resp)
	}

	if w := a.do(t, http.MethodGet, "/api/v1/dashboard/metrics?period=month", ""); w.Code != http.StatusNotFound {
		t.Errorf("uncached period status = %d, want 404", w.Code)
	}
}
