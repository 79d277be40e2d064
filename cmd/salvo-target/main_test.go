package main

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/seantiz/salvo/internal/target"
)

func TestRejectPolicy(t *testing.T) {
	if rejectPolicy("", true) != nil {
		t.Fatal("empty prefix should accept everything")
	}

	policy := rejectPolicy("bad", true)
	d := policy("REGISTER", "bad-user7")
	if !d.Reject || !d.Retryable {
		t.Errorf("decision for bad-user7 = %+v, want retryable rejection", d)
	}
	if d := policy("REGISTER", "user7"); d.Reject {
		t.Errorf("decision for user7 = %+v, want accept", d)
	}
}

func TestFlagsParse(t *testing.T) {
	err := rootCmd.ParseFlags([]string{"--listen", "", "--http", ":8089", "--reject-prefix", "x", "--reject-retryable", "--vsock-port", "5000"})
	if err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	if flagListen != "" || flagHTTP != ":8089" || flagVsockPort != 5000 {
		t.Errorf("listen=%q http=%q vsock=%d", flagListen, flagHTTP, flagVsockPort)
	}
	if flagRejectPrefix != "x" || !flagRejectRetryable {
		t.Errorf("reject-prefix=%q reject-retryable=%v", flagRejectPrefix, flagRejectRetryable)
	}
}

func TestRunTargetRequiresListener(t *testing.T) {
	flagListen, flagVsockPort, flagHTTP = "", 0, ""
	if err := runTarget(rootCmd, nil); err == nil || !strings.Contains(err.Error(), "nothing to serve") {
		t.Errorf("runTarget err = %v, want nothing to serve", err)
	}
}

func TestStatsRoute(t *testing.T) {
	srv := target.New(nil, nil)
	ts := httptest.NewServer(newRouter(srv, slog.New(slog.NewTextHandler(io.Discard, nil))))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/stats")
	if err != nil {
		t.Fatalf("GET /stats: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `"connections":0`) {
		t.Errorf("body = %s", body)
	}
}
