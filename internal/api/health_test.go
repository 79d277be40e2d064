package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func getHealth(t *testing.T, baseURL string) healthResponse {
	t.Helper()
	resp, err := http.Get(baseURL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	var body healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return body
}

func getMetrics(t *testing.T, baseURL string) string {
	t.Helper()
	resp, err := http.Get(baseURL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "text/plain") && !strings.Contains(contentType, "text/openmetrics") {
		t.Errorf("Content-Type = %q, expected prometheus format", contentType)
	}
	b, _ := io.ReadAll(resp.Body)
	return string(b)
}

func TestHealthzEndpoint(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body := getHealth(t, ts.URL)
	if body.Status != "ok" {
		t.Errorf("status = %q, want %q", body.Status, "ok")
	}
	if body.Blocks != 0 || body.Running != 0 {
		t.Errorf("blocks/running = %d/%d, want 0/0", body.Blocks, body.Running)
	}
}

func TestHealthzCountsBlocks(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	blk := createBlock(t, ts.URL)
	createBlock(t, ts.URL)

	resp := doJSON(t, "POST", ts.URL+"/v1/blocks/"+blk.ID+"/start", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start status = %d, want 200", resp.StatusCode)
	}

	body := getHealth(t, ts.URL)
	if body.Blocks != 2 || body.Running != 1 {
		t.Errorf("blocks/running = %d/%d, want 2/1", body.Blocks, body.Running)
	}

	resp = doJSON(t, "POST", ts.URL+"/v1/blocks/"+blk.ID+"/stop", nil)
	resp.Body.Close()
	if body := getHealth(t, ts.URL); body.Running != 0 {
		t.Errorf("running after stop = %d, want 0", body.Running)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	// Make a request to generate metrics.
	getHealth(t, ts.URL)

	body := getMetrics(t, ts.URL)
	for _, name := range []string{"salvo_api_requests_total", "salvo_api_request_duration_seconds"} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
	if !strings.Contains(body, `route="/healthz"`) {
		t.Error("requests are not labeled with the route pattern")
	}
}

func TestMetricsBlockOperationsAndStats(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	blk := createBlock(t, ts.URL)
	for _, path := range []string{"/start", "/register", "/stop"} {
		resp := doJSON(t, "POST", ts.URL+"/v1/blocks/"+blk.ID+path, nil)
		resp.Body.Close()
	}
	resp := doJSON(t, "POST", ts.URL+"/v1/blocks/missing/start", nil)
	resp.Body.Close()

	body := getMetrics(t, ts.URL)
	for _, want := range []string{
		fmt.Sprintf(`salvo_block_operations_total{block_id=%q,operation="start",result="ok"} 1`, blk.ID),
		fmt.Sprintf(`salvo_block_operations_total{block_id=%q,operation="register",result="conflict"} 1`, blk.ID),
		fmt.Sprintf(`salvo_block_operations_total{block_id=%q,operation="stop",result="ok"} 1`, blk.ID),
		`salvo_block_operations_total{block_id="unmatched",operation="start",result="not_found"}`,
		fmt.Sprintf(`salvo_block_active_connections{block=%q}`, blk.ID),
		fmt.Sprintf(`salvo_block_connections_total{block=%q,outcome="attempted"}`, blk.ID),
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %s", want)
		}
	}

	resp = doJSON(t, "DELETE", ts.URL+"/v1/blocks/"+blk.ID, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", resp.StatusCode)
	}
	body = getMetrics(t, ts.URL)
	if strings.Contains(body, fmt.Sprintf(`block_id=%q`, blk.ID)) {
		t.Error("operation series survive block deletion")
	}
	if strings.Contains(body, fmt.Sprintf(`block=%q`, blk.ID)) {
		t.Error("block stats survive block deletion")
	}
}
