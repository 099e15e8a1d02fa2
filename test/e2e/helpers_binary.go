//go:build e2e

package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyperengineering/fieldsync/internal/remote/remotetest"
)

// fieldsyncProcess manages a running fieldsync agent process.
type fieldsyncProcess struct {
	cmd     *exec.Cmd
	dataDir string
	address string
	apiKey  string
	logFile string
}

// startFieldsync launches the fieldsync binary against srv and waits for
// its local API to become healthy. Configuration is environment only.
func startFieldsync(t *testing.T, srv *remotetest.Server) *fieldsyncProcess {
	t.Helper()
	requireFieldsync(t)

	dataDir := t.TempDir()
	apiKey := "e2e-test-api-key"
	port := freePort(t)
	address := fmt.Sprintf("127.0.0.1:%d", port)
	logFile := filepath.Join(dataDir, "fieldsync.log")

	cmd := exec.Command(fieldsyncBin, "serve")
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("FIELDSYNC_PORT=%d", port),
		"FIELDSYNC_HOST=127.0.0.1",
		"FIELDSYNC_DB_PATH="+filepath.Join(dataDir, "fieldsync.db"),
		"FIELDSYNC_API_KEY="+apiKey,
		"FIELDSYNC_CONFIG_PATH="+filepath.Join(dataDir, "nonexistent.yaml"),
		"FIELDSYNC_REMOTE_URL="+srv.URL,
		"FIELDSYNC_TOKEN="+remoteToken,
		"FIELDSYNC_TOKEN_FILE="+filepath.Join(dataDir, "token"),
		"FIELDSYNC_SYNC_INTERVAL=200ms",
		"FIELDSYNC_CONNECTIVITY_INTERVAL=200ms",
	)

	lf, err := os.Create(logFile)
	if err != nil {
		t.Fatalf("create log file: %v", err)
	}
	cmd.Stdout = lf
	cmd.Stderr = lf

	if err := cmd.Start(); err != nil {
		lf.Close()
		t.Fatalf("start fieldsync: %v", err)
	}

	p := &fieldsyncProcess{
		cmd:     cmd,
		dataDir: dataDir,
		address: address,
		apiKey:  apiKey,
		logFile: logFile,
	}
	t.Cleanup(func() {
		p.stop()
		lf.Close()
		if t.Failed() {
			if b, err := os.ReadFile(logFile); err == nil {
				t.Logf("fieldsync log:\n%s", b)
			}
		}
	})

	if err := p.waitHealthy(10 * time.Second); err != nil {
		t.Fatalf("fieldsync not healthy: %v", err)
	}
	return p
}

func (p *fieldsyncProcess) stop() {
	if p.cmd != nil && p.cmd.Process != nil {
		_ = p.cmd.Process.Signal(os.Interrupt)
		_ = p.cmd.Wait()
	}
}

func (p *fieldsyncProcess) baseURL() string {
	return "http://" + p.address
}

func (p *fieldsyncProcess) waitHealthy(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	url := p.baseURL() + "/api/v1/health"

	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("fieldsync not healthy after %s", timeout)
}

// waitGate polls the gate endpoint until it reports want.
func (p *fieldsyncProcess) waitGate(t *testing.T, want string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var last string
	for time.Now().Before(deadline) {
		var st struct {
			State string `json:"state"`
		}
		if code := p.doJSON(t, http.MethodGet, "/api/v1/gate", "", &st); code == http.StatusOK {
			last = st.State
			if st.State == want {
				return
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("gate state = %q, want %q", last, want)
}

// doJSON sends an authenticated request and decodes the response into out.
func (p *fieldsyncProcess) doJSON(t *testing.T, method, path, body string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, p.baseURL()+path, bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		_ = json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}
