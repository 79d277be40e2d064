package e2e

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

const (
	startupTimeout = 10 * time.Second
	pollInterval   = 100 * time.Millisecond
)

// lockedBuffer is a thread-safe wrapper around bytes.Buffer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (lb *lockedBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.Write(p)
}

func (lb *lockedBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.String()
}

// serverProc holds the running server subprocess and its output.
type serverProc struct {
	cmd    *exec.Cmd
	stdout *lockedBuffer
	url    string
}

var (
	builtBinary string
	buildOnce   sync.Once
	buildErr    error
)

func getBinary(t *testing.T) string {
	t.Helper()
	buildOnce.Do(func() {
		dir, err := os.MkdirTemp("", "salvo-e2e-*")
		if err != nil {
			buildErr = err
			return
		}
		binary := filepath.Join(dir, "testserver")
		cmd := exec.Command("go", "build", "-o", binary, "./cmd/testserver")
		cmd.Dir = findRepoRoot(t)
		out, err := cmd.CombinedOutput()
		if err != nil {
			buildErr = &buildError{err: err, out: out}
			return
		}
		builtBinary = binary
	})
	if buildErr != nil {
		t.Fatalf("build testserver: %v", buildErr)
	}
	return builtBinary
}

type buildError struct {
	err error
	out []byte
}

func (e *buildError) Error() string { return e.err.Error() + "\n" + string(e.out) }

func findRepoRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("could not find repo root")
		}
		dir = parent
	}
}

func startServer(t *testing.T) *serverProc {
	t.Helper()
	if testing.Short() {
		t.Skip("e2e tests build a binary; skipped with -short")
	}
	binary := getBinary(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	stdout := &lockedBuffer{}
	cmd := exec.Command(binary)
	cmd.Env = append(os.Environ(), "SALVO_LISTEN_ADDR="+addr)
	cmd.Stdout = stdout
	cmd.Stderr = stdout

	if err := cmd.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}

	sp := &serverProc{
		cmd:    cmd,
		stdout: stdout,
		url:    "http://" + addr,
	}

	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})

	deadline := time.Now().Add(startupTimeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(sp.url + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == 200 {
				return sp
			}
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("server did not become ready within %v\nstdout:\n%s", startupTimeout, stdout.String())
	return nil
}

func (sp *serverProc) do(t *testing.T, method, path, body string, wantStatus int) map[string]any {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, sp.url+path, r)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != wantStatus {
		t.Fatalf("%s %s status = %d, want %d\nbody: %s", method, path, resp.StatusCode, wantStatus, b)
	}
	if len(b) == 0 {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("decode %s %s: %v\nbody: %s", method, path, err, b)
	}
	return out
}

const blockJSON = `{
	"name": "e2e",
	"protocol": "stub",
	"destinations": ["stub://target"],
	"phases": [{"pattern": "flat", "height": 5, "ramp": 0, "steady": 1}],
	"auto_stop": true,
	"registration": {"entities": 5, "regs_per_second": 500}
}`

func TestHealthzAndMetrics(t *testing.T) {
	sp := startServer(t)

	health := sp.do(t, "GET", "/healthz", "", http.StatusOK)
	if health["status"] != "ok" {
		t.Errorf("status = %v, want ok", health["status"])
	}

	resp, err := http.Get(sp.url + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	for _, name := range []string{"salvo_api_requests_total", "salvo_api_request_duration_seconds"} {
		if !strings.Contains(string(b), name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}

func TestBlockLifecycle(t *testing.T) {
	sp := startServer(t)

	blk := sp.do(t, "POST", "/v1/blocks", blockJSON, http.StatusCreated)
	id, _ := blk["id"].(string)
	if id == "" {
		t.Fatalf("create returned no id: %v", blk)
	}

	// Registration runs to completion before load is started.
	sp.do(t, "POST", "/v1/blocks/"+id+"/register", "", http.StatusAccepted)
	waitForField(t, sp, "/v1/blocks/"+id, "reg_state", "REGISTRATION_SUCCEEDED")

	started := sp.do(t, "POST", "/v1/blocks/"+id+"/start", "", http.StatusOK)
	if started["status"] != "running" {
		t.Errorf("status = %v, want running", started["status"])
	}

	// A one second flat profile with auto_stop ends on its own.
	waitForField(t, sp, "/v1/blocks/"+id, "status", "stopped")

	st := sp.do(t, "GET", "/v1/blocks/"+id+"/stats", "", http.StatusOK)
	stats, _ := st["stats"].(map[string]any)
	if n, _ := stats["attempted_connections"].(float64); n < 5 {
		t.Errorf("attempted_connections = %v, want >= 5", stats["attempted_connections"])
	}
	if n, _ := stats["registration_successes"].(float64); n != 5 {
		t.Errorf("registration_successes = %v, want 5", stats["registration_successes"])
	}

	cleared := sp.do(t, "DELETE", "/v1/blocks/"+id+"/stats", "", http.StatusOK)
	if cleared["deferred"] != false {
		t.Errorf("clear deferred = %v, want false", cleared["deferred"])
	}

	sp.do(t, "DELETE", "/v1/blocks/"+id, "", http.StatusNoContent)
	sp.do(t, "GET", "/v1/blocks/"+id, "", http.StatusNotFound)
}

func TestEventStream(t *testing.T) {
	sp := startServer(t)

	blk := sp.do(t, "POST", "/v1/blocks", blockJSON, http.StatusCreated)
	id := blk["id"].(string)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, "GET", sp.url+"/v1/blocks/"+id+"/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()

	sp.do(t, "POST", "/v1/blocks/"+id+"/start", "", http.StatusOK)

	// Read until the block reports it stopped on its own.
	seen := map[string]bool{}
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		name, ok := strings.CutPrefix(line, "event: ")
		if !ok {
			if data, ok := strings.CutPrefix(line, "data: "); ok && strings.Contains(data, `"status":"stopped"`) {
				break
			}
			continue
		}
		seen[name] = true
	}

	for _, name := range []string{"status", "load_profile"} {
		if !seen[name] {
			t.Errorf("no %q event seen; got %v", name, seen)
		}
	}
}

func waitForField(t *testing.T, sp *serverProc, path, field, want string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	var last any
	for time.Now().Before(deadline) {
		body := sp.do(t, "GET", path, "", http.StatusOK)
		last = body[field]
		if last == want {
			return
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("%s %s = %v, never reached %q\nserver output:\n%s", path, field, last, want, sp.stdout.String())
}
