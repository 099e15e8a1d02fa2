// Package remotetest provides an in-memory fake of the remote REST API for tests.
package remotetest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

// Collection keys, matching the list envelope keys of the real API.
const (
	Customers    = "customers"
	WorkOrders   = "workOrders"
	Bills        = "bills"
	Items        = "items"
	Services     = "services"
	BankAccounts = "bankAccounts"
)

// Request is a call the fake received.
type Request struct {
	Method         string
	Path           string
	IdempotencyKey string
	DeviceID       string
	Body           map[string]any
}

// Server is a fake remote API backed by in-memory collections.
type Server struct {
	*httptest.Server

	mu          sync.Mutex
	token       string
	collections map[string][]map[string]any
	requests    []Request
	failures    map[string][]int
	hasData     *bool
	down        bool
	nextID      int
	metrics     map[string]any
	now         func() time.Time
}

type resource struct {
	base   string
	list   []string
	single string
	key    string
}

var resources = []resource{
	{base: "/api/customer", list: []string{"/api/customers"}, single: "customer", key: Customers},
	{base: "/api/workorder", list: []string{"/api/workorders/pending", "/api/workorders/completed"}, single: "workOrder", key: WorkOrders},
	{base: "/api/bill", list: []string{"/api/bills"}, single: "bill", key: Bills},
	{base: "/api/inventory/item", list: []string{"/api/inventory/items"}, single: "item", key: Items},
	{base: "/api/inventory/service", list: []string{"/api/inventory/services"}, single: "service", key: Services},
	{base: "/api/bank-account", list: []string{"/api/bank-accounts"}, single: "bankAccount", key: BankAccounts},
}

// NewServer starts a fake API. When token is non-empty, requests must carry it.
func NewServer(token string) *Server {
	s := &Server{
		token:       token,
		collections: make(map[string][]map[string]any),
		failures:    make(map[string][]int),
		metrics:     map[string]any{"totalSales": 0},
		now:         func() time.Time { return time.Now().UTC() },
	}

	r := chi.NewRouter()
	r.Use(s.record)
	r.Get("/api/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Get("/api/sync/status", s.handleStatus)
		r.Get("/api/dashboard/metrics", s.handleMetrics)
		r.Put("/api/bill/{id}/payment", s.handlePayment)
		r.Post("/api/inventory/item/{id}/stock", s.handleStock)
		for _, res := range resources {
			res := res
			r.Post(res.base, s.handleCreate(res))
			r.Put(res.base+"/{id}", s.handleUpdate(res))
			r.Delete(res.base+"/{id}", s.handleDelete(res))
			for _, path := range res.list {
				r.Get(path, s.handleList(res, path))
			}
		}
	})

	s.Server = httptest.NewServer(r)
	return s
}

// SetToken changes the token the fake accepts.
func (s *Server) SetToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
}

// SetDown makes every endpoint, health included, answer 503.
func (s *Server) SetDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

// SetHasData overrides the sync status answer; by default it reports
// whether any collection holds records.
func (s *Server) SetHasData(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hasData = &v
}

// SetMetrics sets the dashboard payload.
func (s *Server) SetMetrics(data map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = data
}

// FailNext makes the next request matching method and path answer status.
func (s *Server) FailNext(method, path string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := method + " " + path
	s.failures[k] = append(s.failures[k], status)
}

// Seed adds records to a collection. Records without _id get one.
func (s *Server) Seed(key string, records ...map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		cp := clone(rec)
		if _, ok := cp["_id"]; !ok {
			cp["_id"] = s.newIDLocked(key)
		}
		stamp := s.now().Format(time.RFC3339Nano)
		if _, ok := cp["createdAt"]; !ok {
			cp["createdAt"] = stamp
		}
		if _, ok := cp["updatedAt"]; !ok {
			cp["updatedAt"] = stamp
		}
		s.collections[key] = append(s.collections[key], cp)
	}
}

// Records returns a copy of a collection.
func (s *Server) Records(key string) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]any, 0, len(s.collections[key]))
	for _, rec := range s.collections[key] {
		out = append(out, clone(rec))
	}
	return out
}

// Requests returns every request received so far, health checks excluded.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// RequestsTo returns the requests received for method and path prefix.
func (s *Server) RequestsTo(method, pathPrefix string) []Request {
	var out []Request
	for _, r := range s.Requests() {
		if r.Method == method && strings.HasPrefix(r.Path, pathPrefix) {
			out = append(out, r)
		}
	}
	return out
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if r.Body != nil && r.ContentLength != 0 {
			json.NewDecoder(r.Body).Decode(&body)
		}

		s.mu.Lock()
		down := s.down
		var status int
		k := r.Method + " " + r.URL.Path
		if q := s.failures[k]; len(q) > 0 {
			status = q[0]
			s.failures[k] = q[1:]
		}
		if r.URL.Path != "/api/health" {
			s.requests = append(s.requests, Request{
				Method:         r.Method,
				Path:           r.URL.Path,
				IdempotencyKey: r.Header.Get("Idempotency-Key"),
				DeviceID:       r.Header.Get("X-Device-Id"),
				Body:           body,
			})
		}
		s.mu.Unlock()

		if down {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"success": false, "message": "unavailable"})
			return
		}
		if status != 0 {
			writeJSON(w, status, map[string]any{"success": false, "message": http.StatusText(status)})
			return
		}
		ctx := r.Context()
		next.ServeHTTP(w, r.WithContext(withBody(ctx, body)))
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		token := s.token
		s.mu.Unlock()
		if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "message": "invalid token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	has := false
	if s.hasData != nil {
		has = *s.hasData
	} else {
		for _, c := range s.collections {
			if len(c) > 0 {
				has = true
				break
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "hasData": has})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": s.metrics})
}

func (s *Server) handleCreate(res resource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := bodyFrom(r.Context())
		if body == nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "body required"})
			return
		}

		s.mu.Lock()
		defer s.mu.Unlock()

		if cid, _ := body["clientId"].(string); cid != "" {
			for _, rec := range s.collections[res.key] {
				if rec["clientId"] == cid {
					writeJSON(w, http.StatusOK, map[string]any{"success": true, res.single: clone(rec)})
					return
				}
			}
		}

		rec := clone(body)
		rec["_id"] = s.newIDLocked(res.key)
		stamp := s.now().Format(time.RFC3339Nano)
		rec["createdAt"], rec["updatedAt"] = stamp, stamp
		if res.key == Bills {
			total := 0.0
			if items, ok := rec["items"].([]any); ok {
				for _, it := range items {
					if m, ok := it.(map[string]any); ok {
						qty, _ := m["qty"].(float64)
						total += qty * s.priceLocked(m)
					}
				}
			}
			discount, _ := rec["discount"].(float64)
			received, _ := rec["receivedPayment"].(float64)
			rec["totalAmount"] = total - discount
			rec["dueAmount"] = total - discount - received
			rec["billNumber"] = fmt.Sprintf("BILL-%04d", len(s.collections[res.key])+1)
		}
		s.collections[res.key] = append(s.collections[res.key], rec)
		writeJSON(w, http.StatusCreated, map[string]any{"success": true, res.single: clone(rec)})
	}
}

func (s *Server) handleUpdate(res resource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		body := bodyFrom(r.Context())

		s.mu.Lock()
		defer s.mu.Unlock()
		rec := s.findLocked(res.key, id)
		if rec == nil {
			writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "message": "not found"})
			return
		}
		for k, v := range body {
			rec[k] = v
		}
		rec["updatedAt"] = s.now().Format(time.RFC3339Nano)
		writeJSON(w, http.StatusOK, map[string]any{"success": true, res.single: clone(rec)})
	}
}

func (s *Server) handleDelete(res resource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		s.mu.Lock()
		defer s.mu.Unlock()
		list := s.collections[res.key]
		for i, rec := range list {
			if rec["_id"] == id {
				s.collections[res.key] = append(list[:i], list[i+1:]...)
				writeJSON(w, http.StatusOK, map[string]any{"success": true})
				return
			}
		}
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "message": "not found"})
	}
}

func (s *Server) handleList(res resource, path string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		if page < 1 {
			page = 1
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		if limit < 1 {
			limit = 50
		}

		s.mu.Lock()
		var all []map[string]any
		for _, rec := range s.collections[res.key] {
			if res.key == WorkOrders {
				completed := rec["status"] == "completed"
				if completed != strings.HasSuffix(path, "/completed") {
					continue
				}
			}
			all = append(all, clone(rec))
		}
		s.mu.Unlock()

		sort.SliceStable(all, func(i, j int) bool {
			return fmt.Sprint(all[i]["_id"]) < fmt.Sprint(all[j]["_id"])
		})

		start := (page - 1) * limit
		if start > len(all) {
			start = len(all)
		}
		end := start + limit
		if end > len(all) {
			end = len(all)
		}
		items := make([]any, 0, end-start)
		for _, rec := range all[start:end] {
			items = append(items, rec)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			res.key:   items,
			"pagination": map[string]any{
				"currentPage": page,
				"hasMore":     end < len(all),
			},
		})
	}
}

func (s *Server) handlePayment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	body := bodyFrom(r.Context())
	amount, _ := body["amount"].(float64)

	s.mu.Lock()
	defer s.mu.Unlock()
	bill := s.findLocked(Bills, id)
	if bill == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "message": "bill not found"})
		return
	}
	received, _ := bill["receivedPayment"].(float64)
	due, _ := bill["dueAmount"].(float64)
	if amount <= 0 || amount > due+0.005 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "invalid payment amount"})
		return
	}
	bill["receivedPayment"] = received + amount
	bill["dueAmount"] = due - amount
	history, _ := bill["paymentHistory"].([]any)
	bill["paymentHistory"] = append(history, map[string]any{
		"amount": amount,
		"note":   body["note"],
		"paidAt": s.now().Format(time.RFC3339Nano),
	})
	if due-amount <= 0.005 {
		bill["status"] = "paid"
	} else {
		bill["status"] = "partial"
	}
	bill["updatedAt"] = s.now().Format(time.RFC3339Nano)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "bill": clone(bill)})
}

func (s *Server) handleStock(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	body := bodyFrom(r.Context())

	s.mu.Lock()
	defer s.mu.Unlock()
	item := s.findLocked(Items, id)
	if item == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "message": "item not found"})
		return
	}
	qty, _ := item["stockQty"].(float64)
	stamp := s.now().Format(time.RFC3339Nano)
	if serials, ok := body["serialNumbers"].([]any); ok {
		existing, _ := item["serialNumbers"].([]any)
		for _, sn := range serials {
			existing = append(existing, map[string]any{"serialNo": sn, "status": "available", "addedAt": stamp})
		}
		item["serialNumbers"] = existing
		qty += float64(len(serials))
	}
	if n, ok := body["stockQty"].(float64); ok {
		history, _ := item["stockHistory"].([]any)
		item["stockHistory"] = append(history, map[string]any{"qty": n, "addedAt": stamp})
		qty += n
	}
	item["stockQty"] = qty
	item["updatedAt"] = stamp
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "item": clone(item)})
}

// priceLocked resolves a bill line's unit price from the inventory.
func (s *Server) priceLocked(line map[string]any) float64 {
	id, _ := line["itemId"].(string)
	if item := s.findLocked(Items, id); item != nil {
		p, _ := item["salePrice"].(float64)
		return p
	}
	if svc := s.findLocked(Services, id); svc != nil {
		p, _ := svc["servicePrice"].(float64)
		return p
	}
	return 0
}

func (s *Server) findLocked(key, id string) map[string]any {
	for _, rec := range s.collections[key] {
		if rec["_id"] == id {
			return rec
		}
	}
	return nil
}

func (s *Server) newIDLocked(key string) string {
	s.nextID++
	return fmt.Sprintf("srv-%s-%d", key, s.nextID)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// clone deep-copies a JSON-shaped value.
func clone(m map[string]any) map[string]any {
	data, _ := json.Marshal(m)
	var out map[string]any
	json.Unmarshal(data, &out)
	if out == nil {
		out = map[string]any{}
	}
	return out
}

type bodyKey struct{}

func withBody(ctx context.Context, body map[string]any) context.Context {
	return context.WithValue(ctx, bodyKey{}, body)
}

func bodyFrom(ctx context.Context) map[string]any {
	body, _ := ctx.Value(bodyKey{}).(map[string]any)
	return body
}
