package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/nerrad567/bioreactor-core/internal/automation"
	"github.com/nerrad567/bioreactor-core/internal/bus"
	"github.com/nerrad567/bioreactor-core/internal/cluster"
	"github.com/nerrad567/bioreactor-core/internal/history"
	"github.com/nerrad567/bioreactor-core/internal/infrastructure/config"
	"github.com/nerrad567/bioreactor-core/internal/infrastructure/logging"
)

// gracefulShutdownTimeout bounds how long Close waits for in-flight
// requests.
const gracefulShutdownTimeout = 10 * time.Second

// JobService is the view of the unit's jobs the API needs.
// *automation.Registry implements it.
type JobService interface {
	List() []automation.JobRecord
	Get(name string) (*automation.Runner, error)
	Stop(ctx context.Context, name string) error
}

// ClusterService is the view of the coordinator the API needs.
// *cluster.Coordinator implements it.
type ClusterService interface {
	Snapshot() cluster.Snapshot
	IsActiveLeader() bool
	SubmitMembership(ctx context.Context, cmd cluster.MembershipCommand) error
	BroadcastSetting(ctx context.Context, job, setting string, value float64) error
}

// HistoryService answers history queries. *history.Repository implements
// it.
type HistoryService interface {
	ListEvents(ctx context.Context, f history.Filter) (*history.EventPage, error)
	ListTransitions(ctx context.Context, f history.Filter) ([]automation.Transition, error)
	ListOutputs(ctx context.Context, f history.Filter) ([]automation.ControlOutput, error)
	ListFilteredStates(ctx context.Context, f history.Filter) ([]automation.FilteredState, error)
}

// Deps holds the dependencies of the API server. Cluster, History, Bus
// and Metrics are optional; endpoints backed by a missing dependency
// answer 503.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Logger   *logging.Logger
	Topics   bus.Topics

	Jobs    JobService
	Cluster ClusterService
	History HistoryService
	Bus     bus.Bus
	Metrics http.Handler

	Version string
}

// Server is the HTTP API server of one unit.
type Server struct {
	cfg     config.APIConfig
	wsCfg   config.WebSocketConfig
	secCfg  config.SecurityConfig
	logger  *logging.Logger
	topics  bus.Topics
	jobs    JobService
	cluster ClusterService
	history HistoryService
	bus     bus.Bus
	metrics http.Handler
	version string
	started time.Time

	hub    *Hub
	subs   []bus.Subscription
	server *http.Server
	cancel context.CancelFunc
}

var _ cluster.Observer = (*Server)(nil)

// New validates deps and creates a server. The hub exists from here on,
// so the server can be registered as a cluster observer before Start.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Jobs == nil {
		return nil, fmt.Errorf("job service is required")
	}

	return &Server{
		cfg:     deps.Config,
		wsCfg:   deps.WS,
		secCfg:  deps.Security,
		logger:  deps.Logger,
		topics:  deps.Topics,
		jobs:    deps.Jobs,
		cluster: deps.Cluster,
		history: deps.History,
		bus:     deps.Bus,
		metrics: deps.Metrics,
		version: deps.Version,
		started: time.Now(),
		hub:     NewHub(deps.WS, deps.Logger),
	}, nil
}

// Handler returns the router. Start serves it; tests use it directly.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *Hub { return s.hub }

// Start relays bus status to the hub and begins listening. The listener
// is bound before Start returns so address errors surface here.
func (s *Server) Start(ctx context.Context) error {
	srvCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	go s.hub.Run(srvCtx)

	if err := s.subscribeStatusUpdates(srvCtx); err != nil {
		s.logger.Warn("websocket relay of bus status disabled", "error", err)
	}

	read, write, idle := s.cfg.Timeouts.Durations()
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       read,
		ReadHeaderTimeout: read,
		WriteTimeout:      write,
		IdleTimeout:       idle,
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		cancel()
		return fmt.Errorf("listening on %s: %w", s.server.Addr, err)
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	s.logger.Info("API server listening", "address", ln.Addr().String())
	return nil
}

// Close stops the relay and shuts the listener down gracefully.
func (s *Server) Close() error {
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	for _, sub := range s.subs {
		//nolint:errcheck // the bus may already be closed during shutdown
		sub.Unsubscribe(ctx)
	}
	s.subs = nil

	if s.server == nil {
		return nil
	}
	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// RosterChanged forwards roster snapshots to WebSocket clients.
func (s *Server) RosterChanged(snap cluster.Snapshot) {
	s.hub.Broadcast(ChannelClusterRoster, snap)
}
