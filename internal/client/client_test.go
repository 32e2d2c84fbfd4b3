package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/phoenixguard/sentinel/internal/gateway"
	"github.com/phoenixguard/sentinel/pkg/types"
)

func TestDoJSONSuccessAndAuthHeader(t *testing.T) {
	var gotKey, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-Key")
		if r.Method != http.MethodPut || r.URL.Path != "/api/v1/mode" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req map[string]string
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		gotBody = req["mode"]
		_ = json.NewEncoder(w).Encode(map[string]any{"mode": req["mode"]})
	}))
	defer srv.Close()

	c := New(srv.URL, "secret")
	if err := c.SetMode(context.Background(), types.ModeAntiForage); err != nil {
		t.Fatalf("SetMode error: %v", err)
	}
	if gotKey != "secret" {
		t.Fatalf("expected X-API-Key header, got %q", gotKey)
	}
	if gotBody != "ANTI-FORAGE" {
		t.Fatalf("mode sent = %q", gotBody)
	}
}

func TestDoJSONHandlesErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	_, err := c.Reset(context.Background())
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got %T (%v)", err, err)
	}
	if httpErr.StatusCode != http.StatusServiceUnavailable || httpErr.Path != "/api/v1/reset" {
		t.Fatalf("unexpected HTTPError: %+v", httpErr)
	}
}

func TestHTTPErrorString(t *testing.T) {
	err := &HTTPError{Method: "GET", Path: "/x", Status: "500", StatusCode: 500, Body: "boom\n"}
	if got := err.Error(); got != "GET /x: 500: boom" {
		t.Fatalf("unexpected error string: %q", got)
	}
	err = &HTTPError{Method: "POST", Path: "/y", Status: "400", StatusCode: 400, Body: "   "}
	if got := err.Error(); got != "POST /y: 400" {
		t.Fatalf("unexpected error string: %q", got)
	}
}

func TestStatusAndLogs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/status":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"status":     gateway.Status{Active: true, Mode: types.ModeHoneypot, Score: 710},
				"mode_name":  "HONEYPOT",
				"kill_chain": "PERSISTENCE",
			})
		case "/api/v1/logs":
			if got := r.URL.Query().Get("tail"); got != "2" {
				t.Errorf("tail = %q", got)
			}
			_ = json.NewEncoder(w).Encode([]types.AuditRecord{{Seq: 9, Kind: types.KindFlashWrite, Address: 0xFFFF0000}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	st, err := c.Status(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !st.Status.Active || st.Status.Mode != types.ModeHoneypot || st.Status.Score != 710 || st.KillChain != "PERSISTENCE" {
		t.Fatalf("status = %+v", st)
	}

	recs, err := c.Logs(context.Background(), 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Seq != 9 || recs[0].Address != 0xFFFF0000 {
		t.Fatalf("logs = %+v", recs)
	}
}

func TestReportRaw(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		fmt.Fprintf(w, "# Sentinel Report: CLEAN (%s/%s)\n", q.Get("level"), q.Get("format"))
	}))
	defer srv.Close()

	out, err := New(srv.URL, "").Report(context.Background(), "detailed", "markdown")
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "# Sentinel Report: CLEAN (detailed/markdown)\n" {
		t.Fatalf("report = %q", out)
	}
}

func TestStreamEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("type"); got != "intercept,mode_changed" {
			t.Errorf("type = %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: ready\ndata: {}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"intercept\"}\n\n")
	}))
	defer srv.Close()

	body, err := New(srv.URL, "").StreamEvents(context.Background(), []string{"intercept", "mode_changed"})
	if err != nil {
		t.Fatal(err)
	}
	defer body.Close()

	var data []string
	sc := bufio.NewScanner(body)
	for sc.Scan() {
		if line, ok := strings.CutPrefix(sc.Text(), "data: "); ok {
			data = append(data, line)
		}
	}
	if len(data) != 2 || data[1] != `{"type":"intercept"}` {
		t.Fatalf("data lines = %v", data)
	}
}

func TestClient_UnixSocketHealth(t *testing.T) {
	dir, err := os.MkdirTemp("", "sntc")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	sock := filepath.Join(dir, "api.sock")

	ln, err := net.Listen("unix", sock)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "operation not permitted") {
			t.Skipf("unix listen not permitted in this environment: %v", err)
		}
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	srv := &http.Server{Handler: mux}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	c := New("unix://"+sock, "")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Health(ctx); err != nil {
		t.Fatalf("health request failed: %v", err)
	}
}
