//go:build e2e

package e2e

import (
	"net/http"
	"testing"
	"time"

	"github.com/hyperengineering/fieldsync/internal/remote/remotetest"
)

func TestAgentBinary_BootstrapAndBackgroundPush(t *testing.T) {
	srv := remotetest.NewServer(remoteToken)
	defer srv.Close()
	srv.Seed(remotetest.Customers, map[string]any{"_id": "c1", "customerName": "Asha"})

	p := startFieldsync(t, srv)

	// Given the agent has bootstrapped from the remote
	p.waitGate(t, "DONE", 10*time.Second)

	var list struct {
		Count int `json:"count"`
	}
	if code := p.doJSON(t, http.MethodGet, "/api/v1/entities/customers", "", &list); code != http.StatusOK {
		t.Fatalf("list status = %d, want 200", code)
	}
	if list.Count != 1 {
		t.Fatalf("customers = %d, want 1", list.Count)
	}

	// When the UI creates a customer
	code := p.doJSON(t, http.MethodPost, "/api/v1/entities/customers",
		`{"fields":{"customer_name":"Ravi"}}`, nil)
	if code != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", code)
	}

	// Then the coordinator pushes it without an explicit sync call
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if len(srv.Records(remotetest.Customers)) == 2 {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("remote customers = %d, want 2", len(srv.Records(remotetest.Customers)))
}

func TestAgentBinary_RejectsMissingAPIKey(t *testing.T) {
	srv := remotetest.NewServer(remoteToken)
	defer srv.Close()

	p := startFieldsync(t, srv)

	resp, err := http.Get(p.baseURL() + "/api/v1/gate")
	if err != nil {
		t.Fatalf("get gate: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}
