package e2e

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hyperengineering/fieldsync/internal/api"
	"github.com/hyperengineering/fieldsync/internal/auth"
	"github.com/hyperengineering/fieldsync/internal/connectivity"
	"github.com/hyperengineering/fieldsync/internal/dao"
	"github.com/hyperengineering/fieldsync/internal/entity"
	"github.com/hyperengineering/fieldsync/internal/gate"
	"github.com/hyperengineering/fieldsync/internal/metadata"
	"github.com/hyperengineering/fieldsync/internal/remote"
	"github.com/hyperengineering/fieldsync/internal/remote/remotetest"
	"github.com/hyperengineering/fieldsync/internal/store"
	"github.com/hyperengineering/fieldsync/internal/syncer"
	"github.com/hyperengineering/fieldsync/internal/worker"
)

const remoteToken = "e2e-token"

// agent is an in-process device: local store, sync engine, gate,
// coordinator and local API wired the way serve wires them.
type agent struct {
	srv     *remotetest.Server
	st      *store.SQLiteStore
	reg     *dao.Registry
	engine  *syncer.Engine
	monitor *connectivity.Monitor
	gate    *gate.Gate
	coord   *worker.SyncCoordinator
	router  http.Handler
}

func newAgent(t *testing.T, srv *remotetest.Server, dbPath string) *agent {
	t.Helper()
	st, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	reg := dao.NewRegistry(st, entity.Default())
	meta := metadata.NewRepository(st)
	tokens := auth.NewTokenSource("", remoteToken, time.Millisecond)
	client := remote.NewClient(srv.URL, tokens, remote.WithDeviceID("e2e-device"))
	engine := syncer.New(reg, client, meta)
	monitor := connectivity.NewMonitor(client, time.Minute, nil)
	g := gate.New(reg, engine, client, monitor, tokens)
	coord := worker.NewSyncCoordinator(engine, g, monitor, tokens, time.Hour, 3, time.Millisecond)
	handler := api.NewHandler(reg, g, monitor, "", "e2e", api.WithKicker(coord))

	return &agent{
		srv:     srv,
		st:      st,
		reg:     reg,
		engine:  engine,
		monitor: monitor,
		gate:    g,
		coord:   coord,
		router:  api.NewRouter(handler),
	}
}

// bootstrap checks connectivity and runs the gate, failing unless it
// reaches DONE.
func (a *agent) bootstrap(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	a.monitor.Check(ctx)
	if st := a.gate.Run(ctx); st.State != gate.Done {
		t.Fatalf("gate state = %s (%s), want DONE", st.State, st.Error)
	}
}

// setOnline toggles the fake remote and lets the monitor observe it.
func (a *agent) setOnline(t *testing.T, online bool) {
	t.Helper()
	a.srv.SetDown(!online)
	if got := a.monitor.Check(context.Background()); got != online {
		t.Fatalf("monitor online = %v, want %v", got, online)
	}
}

// call performs a local API request and decodes a JSON object response.
func (a *agent) call(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
			t.Fatalf("%s %s: decode %q: %v", method, path, w.Body.String(), err)
		}
	}
	return w.Code, out
}

// mustCall is call that fails the test on an unexpected status.
func (a *agent) mustCall(t *testing.T, method, path, body string, want int) map[string]any {
	t.Helper()
	code, out := a.call(t, method, path, body)
	if code != want {
		t.Fatalf("%s %s status = %d, want %d (%v)", method, path, code, want, out)
	}
	return out
}

// list returns the items of an entity list response.
func (a *agent) list(t *testing.T, name string) []map[string]any {
	t.Helper()
	out := a.mustCall(t, http.MethodGet, "/api/v1/entities/"+name, "", http.StatusOK)
	raw, _ := out["items"].([]any)
	items := make([]map[string]any, 0, len(raw))
	for _, it := range raw {
		items = append(items, it.(map[string]any))
	}
	return items
}

func (a *agent) pendingTotal(t *testing.T) float64 {
	t.Helper()
	out := a.mustCall(t, http.MethodGet, "/api/v1/sync/pending", "", http.StatusOK)
	total, _ := out["total"].(float64)
	return total
}

func (a *agent) syncOnce(t *testing.T) syncer.Report {
	t.Helper()
	rep, err := a.coord.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("sync pass error = %v (report %+v)", err, rep)
	}
	return rep
}
