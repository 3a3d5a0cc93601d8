package influxdb_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/bioreactor-core/internal/infrastructure/config"
	"github.com/nerrad567/bioreactor-core/internal/infrastructure/influxdb"
)

// fakeServer answers /ping and records line-protocol bodies posted to
// /api/v2/write.
type fakeServer struct {
	*httptest.Server
	mu     sync.Mutex
	bodies []string
	status int
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{status: http.StatusNoContent}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ping":
			w.WriteHeader(http.StatusNoContent)
		case "/api/v2/write":
			body, _ := io.ReadAll(r.Body) //nolint:errcheck // test server
			fs.mu.Lock()
			fs.bodies = append(fs.bodies, string(body))
			status := fs.status
			fs.mu.Unlock()
			w.WriteHeader(status)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fakeServer) written() string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return strings.Join(fs.bodies, "\n")
}

func testConfig(url string) config.InfluxDBConfig {
	return config.InfluxDBConfig{
		Enabled:       true,
		URL:           url,
		Token:         "test-token",
		Org:           "bioreactor",
		Bucket:        "history",
		BatchSize:     10,
		FlushInterval: 1,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// ─── Connect ───────────────────────────────────────────────────────

func TestConnect_Disabled(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.Enabled = false

	if _, err := influxdb.Connect(cfg); !errors.Is(err, influxdb.ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	if _, err := influxdb.Connect(testConfig(url)); !errors.Is(err, influxdb.ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestConnect_HealthCheck(t *testing.T) {
	fs := newFakeServer(t)
	client, err := influxdb.Connect(testConfig(fs.URL))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	if !client.IsConnected() {
		t.Error("IsConnected() = false after Connect()")
	}
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}

// ─── Writes ────────────────────────────────────────────────────────

func TestWritePoint_Flushed(t *testing.T) {
	fs := newFakeServer(t)
	client, err := influxdb.Connect(testConfig(fs.URL))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	ts := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	client.WritePoint("filtered_state",
		map[string]string{"experiment": "exp1", "unit": "unit1"},
		map[string]any{"od": 0.5, "growth_rate": 0.1},
		ts)

	waitFor(t, func() bool { return strings.Contains(fs.written(), "filtered_state") })
	got := fs.written()
	for _, want := range []string{"experiment=exp1", "unit=unit1", "od=0.5", "growth_rate=0.1"} {
		if !strings.Contains(got, want) {
			t.Errorf("line protocol %q missing %q", got, want)
		}
	}
}

func TestWritePoint_AfterCloseDiscarded(t *testing.T) {
	fs := newFakeServer(t)
	client, err := influxdb.Connect(testConfig(fs.URL))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	client.Close() //nolint:errcheck // closing on purpose

	client.WritePoint("control_output", nil, map[string]any{"value": 1.0}, time.Now())
	if client.IsConnected() {
		t.Error("IsConnected() = true after Close()")
	}
	if err := client.HealthCheck(context.Background()); !errors.Is(err, influxdb.ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}
	if err := client.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestWritePoint_ErrorCallback(t *testing.T) {
	fs := newFakeServer(t)
	fs.mu.Lock()
	fs.status = http.StatusBadRequest
	fs.mu.Unlock()

	client, err := influxdb.Connect(testConfig(fs.URL))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	var mu sync.Mutex
	var got error
	client.SetOnError(func(err error) {
		mu.Lock()
		got = err
		mu.Unlock()
	})

	client.WritePoint("job_transition",
		map[string]string{"job": "stirring"},
		map[string]any{"to": "ready"},
		time.Now())

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got != nil
	})
}

func TestClose_Nil(t *testing.T) {
	var c *influxdb.Client
	if err := c.Close(); err != nil {
		t.Errorf("Close() on nil = %v", err)
	}
	if c.IsConnected() {
		t.Error("nil client reports connected")
	}
}
