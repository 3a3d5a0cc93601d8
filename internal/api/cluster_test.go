package api

import (
	"net/http"
	"testing"

	"github.com/nerrad567/bioreactor-core/internal/cluster"
	"github.com/nerrad567/bioreactor-core/internal/infrastructure/config"
	"github.com/nerrad567/bioreactor-core/internal/infrastructure/logging"
)

func TestGetCluster(t *testing.T) {
	env := testServer(t)

	w := do(t, env.srv.Handler(), http.MethodGet, "/api/v1/cluster", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	got := decode[cluster.Snapshot](t, w)
	if got.Leader != "unit1" || !got.LeaderActive || len(got.Members) != 2 {
		t.Errorf("snapshot = %+v", got)
	}
}

func TestMembership(t *testing.T) {
	env := testServer(t)
	h := env.srv.Handler()
	token := testToken(t)

	tests := []struct {
		name       string
		token      string
		body       any
		submitErr  error
		wantStatus int
	}{
		{"no token", "", map[string]any{"unit": "unit3", "enabled": true}, nil, http.StatusUnauthorized},
		{"not json", token, "nope", nil, http.StatusBadRequest},
		{"invalid unit", token, map[string]any{"unit": "unit/3", "enabled": true}, nil, http.StatusUnprocessableEntity},
		{"disabled leader", token, map[string]any{"unit": "unit3", "enabled": false, "role": "leader"}, nil, http.StatusUnprocessableEntity},
		{"not leader", token, map[string]any{"unit": "unit3", "enabled": true}, cluster.ErrNotLeader, http.StatusForbidden},
		{"accepted", token, map[string]any{"unit": "unit3", "enabled": true}, nil, http.StatusAccepted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env.cluster.mu.Lock()
			env.cluster.submitErr = tt.submitErr
			env.cluster.mu.Unlock()

			w := do(t, h, http.MethodPost, "/api/v1/cluster/membership", tt.token, tt.body)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.wantStatus, w.Body.String())
			}
		})
	}

	env.cluster.mu.Lock()
	defer env.cluster.mu.Unlock()
	if len(env.cluster.commands) != 1 || env.cluster.commands[0].Unit != "unit3" {
		t.Errorf("commands = %+v", env.cluster.commands)
	}
}

func TestBroadcast(t *testing.T) {
	env := testServer(t)
	h := env.srv.Handler()
	token := testToken(t)

	tests := []struct {
		name         string
		body         any
		broadcastErr error
		wantStatus   int
	}{
		{"missing value", map[string]any{"job": "stirring", "setting": "target_rpm"}, nil, http.StatusBadRequest},
		{"paused", map[string]any{"job": "stirring", "setting": "target_rpm", "value": 600}, cluster.ErrCoordinationPaused, http.StatusConflict},
		{"sent", map[string]any{"job": "stirring", "setting": "target_rpm", "value": 600}, nil, http.StatusAccepted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env.cluster.mu.Lock()
			env.cluster.broadcastErr = tt.broadcastErr
			env.cluster.mu.Unlock()

			w := do(t, h, http.MethodPost, "/api/v1/cluster/broadcast", token, tt.body)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.wantStatus, w.Body.String())
			}
		})
	}

	env.cluster.mu.Lock()
	defer env.cluster.mu.Unlock()
	if len(env.cluster.broadcasts) != 1 || env.cluster.broadcasts[0] != "stirring/target_rpm" {
		t.Errorf("broadcasts = %v", env.cluster.broadcasts)
	}
}

func TestCluster_NotRunning(t *testing.T) {
	env := testServer(t)
	srv, err := New(Deps{
		Logger:   logging.New(config.LoggingConfig{Level: "error"}, "test"),
		Jobs:     env.registry,
		Security: config.SecurityConfig{JWT: config.JWTConfig{Secret: testSecret, Issuer: testIssuer}},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h := srv.Handler()

	if w := do(t, h, http.MethodGet, "/api/v1/cluster", "", nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("GET /cluster = %d, want 503", w.Code)
	}
	w := do(t, h, http.MethodPost, "/api/v1/cluster/membership", testToken(t), map[string]any{"unit": "unit3", "enabled": true})
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("POST /cluster/membership = %d, want 503", w.Code)
	}
	if w := do(t, h, http.MethodGet, "/api/v1/events", "", nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("GET /events = %d, want 503", w.Code)
	}
}
