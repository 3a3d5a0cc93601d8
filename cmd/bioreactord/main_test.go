package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nerrad567/bioreactor-core/internal/api"
	"github.com/nerrad567/bioreactor-core/internal/automation"
	"github.com/nerrad567/bioreactor-core/internal/history"
	"github.com/nerrad567/bioreactor-core/internal/infrastructure/database"
)

const testSecret = "test-secret-for-development-only-0123456789"

// writeConfig writes a memory-bus configuration into a temp dir and
// returns its path and the database path. extra is appended verbatim.
func writeConfig(t *testing.T, extra string) (configPath, dbPath string) {
	t.Helper()
	dir := t.TempDir()
	dbPath = filepath.Join(dir, "bioreactor.db")
	configPath = filepath.Join(dir, "config.yaml")

	content := fmt.Sprintf(`
unit:
  id: unit1
  experiment: exp1

cluster:
  leader: unit1
  heartbeat_interval: 1s
  liveness_window: 3s
  aggregate_interval: 1s

bus:
  transport: memory

database:
  path: %q
  wal_mode: true
  busy_timeout: 5

influxdb:
  enabled: false

logging:
  level: error
  format: text
  output: stdout

security:
  jwt:
    secret: %q
    issuer: bioreactor-test
%s`, dbPath, testSecret, extra)

	if err := os.WriteFile(configPath, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath, dbPath
}

const stirringJob = `
jobs:
  - name: stirring
    kind: stirring
    enabled: true
    interval: 1h
    settings:
      target_rpm: 500
`

// ─── run ────────────────────────────────────────────────────────────────────

func TestRun_InvalidConfig(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx, "/nonexistent/path/config.yaml")
	if err == nil || !strings.Contains(err.Error(), "loading config") {
		t.Fatalf("run() error = %v, want a config error", err)
	}
}

func TestRun_InvalidJobSettings(t *testing.T) {
	configPath, _ := writeConfig(t, `
jobs:
  - name: stirring
    kind: stirring
    enabled: true
`)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx, configPath)
	if !errors.Is(err, automation.ErrConfiguration) {
		t.Fatalf("run() error = %v, want ErrConfiguration", err)
	}
}

func TestRun_MemoryBusLifecycle(t *testing.T) {
	configPath, dbPath := writeConfig(t, stirringJob)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	if err := run(ctx, configPath); err != nil {
		t.Fatalf("run() error = %v", err)
	}

	// The job's lifecycle must have reached the history database.
	db, err := database.Open(database.Config{Path: dbPath})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	defer db.Close()

	transitions, err := history.NewRepository(db.DB).ListTransitions(context.Background(), history.Filter{Job: "stirring"})
	if err != nil {
		t.Fatalf("ListTransitions() error = %v", err)
	}
	var sawReady, sawTerminated bool
	for _, tr := range transitions {
		switch tr.To {
		case automation.StateReady:
			sawReady = true
		case automation.StateTerminated:
			sawTerminated = true
		}
	}
	if !sawReady || !sawTerminated {
		t.Errorf("transitions = %+v, want ready and terminated", transitions)
	}
}

// ─── Commands ───────────────────────────────────────────────────────────────

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestTokenCommand(t *testing.T) {
	configPath, _ := writeConfig(t, "")

	out, err := execute(t, "token", "--config", configPath, "--subject", "alice", "--ttl", "5m")
	if err != nil {
		t.Fatalf("token error = %v", err)
	}

	var claims jwt.RegisteredClaims
	_, err = jwt.ParseWithClaims(strings.TrimSpace(out), &claims, func(*jwt.Token) (any, error) {
		return []byte(testSecret), nil
	}, jwt.WithIssuer("bioreactor-test"), jwt.WithExpirationRequired())
	if err != nil {
		t.Fatalf("issued token does not verify: %v", err)
	}
	if claims.Subject != "alice" {
		t.Errorf("subject = %q, want alice", claims.Subject)
	}
	if ttl := time.Until(claims.ExpiresAt.Time); ttl > 5*time.Minute || ttl < 4*time.Minute {
		t.Errorf("token expires in %v, want about 5m", ttl)
	}
}

func TestTokenCommand_NoSecret(t *testing.T) {
	configPath, _ := writeConfig(t, "")
	t.Setenv("BIOREACTOR_JWT_SECRET", "")

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatal(err)
	}
	stripped := strings.Replace(string(data), fmt.Sprintf("secret: %q", testSecret), `secret: ""`, 1)
	if err := os.WriteFile(configPath, []byte(stripped), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := execute(t, "token", "--config", configPath); !errors.Is(err, api.ErrNoSecret) {
		t.Errorf("token error = %v, want ErrNoSecret", err)
	}
}

func TestMigrateCommand(t *testing.T) {
	configPath, _ := writeConfig(t, "")

	out, err := execute(t, "migrate", "status", "--config", configPath)
	if err != nil {
		t.Fatalf("migrate status error = %v", err)
	}
	if !strings.Contains(out, "pending") || strings.Contains(out, "applied") {
		t.Errorf("status before up = %q", out)
	}

	if _, err := execute(t, "migrate", "up", "--config", configPath); err != nil {
		t.Fatalf("migrate up error = %v", err)
	}

	out, err = execute(t, "migrate", "status", "--config", configPath)
	if err != nil {
		t.Fatalf("migrate status error = %v", err)
	}
	if !strings.Contains(out, "applied") || strings.Contains(out, "pending") {
		t.Errorf("status after up = %q", out)
	}

	if _, err := execute(t, "migrate", "sideways", "--config", configPath); err == nil {
		t.Error("unknown migrate action should fail")
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version error = %v", err)
	}
	if !strings.HasPrefix(out, "bioreactord dev") {
		t.Errorf("version output = %q", out)
	}
}

func TestGetConfigPath(t *testing.T) {
	t.Setenv("BIOREACTOR_CONFIG", "")
	if got := getConfigPath(); got != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", got, defaultConfigPath)
	}
	t.Setenv("BIOREACTOR_CONFIG", "/etc/bioreactor/unit.yaml")
	if got := getConfigPath(); got != "/etc/bioreactor/unit.yaml" {
		t.Errorf("getConfigPath() = %q", got)
	}
}
