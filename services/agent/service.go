// Package agent implements the headless Madrasa client daemon. It keeps the
// stored session fresh, mirrors the notification stream over the live
// channel, republishes received notifications on a local NATS bus when one is
// configured, and serves health and metrics endpoints.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"madrasa/pkg/api"
	"madrasa/pkg/bus"
	"madrasa/pkg/config"
	"madrasa/pkg/notify"
	"madrasa/pkg/pendingaction"
	"madrasa/pkg/session"
	"madrasa/pkg/storage"
	"madrasa/pkg/telemetry"
)

// ServiceName identifies the agent in logs and traces.
const ServiceName = "madrasa-agent"

const shutdownTimeout = 5 * time.Second

// Service is the long-running agent process.
type Service struct {
	cfg      config.Config
	log      zerolog.Logger
	registry *prometheus.Registry
	metrics  *Metrics

	session *session.Manager
	channel *notify.Channel
	bus     *bus.Bus
}

// NewService wires the agent from configuration. The NATS bridge is optional;
// without a configured NATS URL notifications are only logged.
func NewService(cfg config.Config, log zerolog.Logger) (*Service, error) {
	registry := prometheus.NewRegistry()
	s := &Service{
		cfg:      cfg,
		log:      log,
		registry: registry,
		metrics:  NewMetrics(registry),
	}

	store, err := storage.New(cfg.StateDir)
	if err != nil {
		return nil, fmt.Errorf("open state dir: %w", err)
	}

	client, err := api.New(cfg.APIBaseURL,
		api.WithLogger(log),
		api.WithTransport(telemetry.Transport(nil)),
	)
	if err != nil {
		return nil, fmt.Errorf("build api client: %w", err)
	}

	s.session = session.NewManager(client, store, pendingaction.NewStore(store),
		session.WithLogger(log),
		session.WithRefreshInterval(cfg.RefreshInterval),
		session.WithRefreshObserver(s.metrics.ObserveRefresh),
	)

	s.channel, err = notify.New(client, cfg.WSURL, s.session.AccessToken,
		notify.WithLogger(log),
		notify.WithReconnectDelay(cfg.ReconnectDelay),
		notify.WithFetchLimit(cfg.FetchLimit),
		notify.WithNotificationHook(s.forward),
		notify.WithStateHook(s.metrics.SetConnectionState),
	)
	if err != nil {
		return nil, fmt.Errorf("build notification channel: %w", err)
	}

	if cfg.NATSURL != "" {
		s.bus, err = bus.New(cfg.NATSURL)
		if err != nil {
			return nil, fmt.Errorf("connect bus: %w", err)
		}
	}
	return s, nil
}

// Run executes the agent until ctx is cancelled. It requires a persisted
// session; run `madrasactl login` first.
func (s *Service) Run(ctx context.Context) error {
	defer s.teardown()

	if err := s.session.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize session: %w", err)
	}
	sess, ok := s.session.Current()
	if !ok {
		return errors.New("agent: no stored session, sign in with madrasactl login")
	}
	s.log.Info().
		Int64("user_id", sess.User.ID).
		Str("role", string(sess.User.Role)).
		Msg("session restored")

	s.channel.FetchInitial(ctx)
	s.log.Info().
		Int("notifications", len(s.channel.Notifications())).
		Int("unread", s.channel.UnreadCount()).
		Msg("notification mirror primed")
	s.channel.Connect(ctx)

	server := &http.Server{
		Addr:              s.cfg.AgentAddr,
		Handler:           telemetry.Middleware(ServiceName, s.router()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.AgentAddr).Msg("agent http listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("agent http: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		s.log.Warn().Err(err).Msg("http shutdown")
	}
	return nil
}

func (s *Service) teardown() {
	s.channel.Close()
	s.session.Close()
	s.bus.Close()
}

// forward handles one pushed notification: count it, log it, and republish it
// on the bus when a bridge is configured. Bus failures are diagnostic only.
func (s *Service) forward(n api.Notification) {
	s.metrics.NotificationReceived()
	s.log.Info().Int64("id", n.ID).Str("title", n.Title).Msg("notification received")

	if s.bus == nil {
		return
	}
	sess, ok := s.session.Current()
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.bus.PublishNotification(ctx, sess.User.ID, n); err != nil {
		s.log.Warn().Err(err).Msg("publish notification event")
	}
}
