package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"wechatslave/pkg/bus"
	"wechatslave/pkg/channel"
	"wechatslave/pkg/config"
	"wechatslave/pkg/wechat"
)

const (
	defaultHealthHost = "0.0.0.0"
	defaultHealthPort = 18790

	eventBuffer = 256
)

// Service runs the WeChat slave channel, one host relay and the outbound
// delivery loop, and reports their state over HTTP.
type Service struct {
	cfg   *config.Config
	log   *slog.Logger
	slave channel.Slave
	relay channel.Relay
	bus   *bus.MessageBus

	mu            sync.RWMutex
	startedAt     time.Time
	lastEventAt   time.Time
	eventCounts   map[bus.EventType]int
	channelStates map[string]channelState
}

type channelState struct {
	Running bool   `json:"running"`
	Error   string `json:"error,omitempty"`
}

type statusResponse struct {
	Status        string                  `json:"status"`
	UptimeSeconds int64                   `json:"uptime_seconds"`
	LastEventAt   string                  `json:"last_event_at,omitempty"`
	Events        map[string]int          `json:"events"`
	Channels      map[string]channelState `json:"channels"`
}

func NewService(cfg *config.Config, slave channel.Slave, relay channel.Relay, mb *bus.MessageBus, log *slog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if slave == nil || relay == nil || mb == nil {
		return nil, errors.New("slave channel, relay and message bus are required")
	}
	if log == nil {
		log = slog.Default()
	}

	return &Service{
		cfg:         cfg,
		log:         log.With("component", "gateway.service"),
		slave:       slave,
		relay:       relay,
		bus:         mb,
		eventCounts: make(map[bus.EventType]int),
		channelStates: map[string]channelState{
			slave.ID():   {},
			relay.Name(): {},
		},
	}, nil
}

// Run blocks until ctx ends or a component fails. A WeChat logout only marks
// the channel stopped; the relay keeps draining so the host sees the notice.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	serverErrors := make(chan error, 1)
	go s.runHealthServer(ctx, serverErrors)

	events, unsubscribe := s.bus.SubscribeEvents(ctx, eventBuffer)
	defer unsubscribe()
	go s.observeEvents(events)

	go s.deliverOutbound(ctx)

	errCh := make(chan error, 2)
	s.start(ctx, s.slave.ID(), s.slave.Run, errCh)
	s.start(ctx, s.relay.Name(), s.relay.Run, errCh)

	select {
	case <-ctx.Done():
		return nil
	case err := <-serverErrors:
		return err
	case err := <-errCh:
		return err
	}
}

func (s *Service) start(ctx context.Context, name string, run func(context.Context) error, errCh chan<- error) {
	s.setChannelState(name, channelState{Running: true})

	go func() {
		err := run(ctx)
		s.setChannelState(name, channelState{Running: false, Error: errorString(err)})
		switch {
		case err == nil, errors.Is(err, context.Canceled):
		case errors.Is(err, wechat.ErrLoggedOut):
			s.log.Warn("Channel stopped after logout", "channel", name)
		default:
			errCh <- fmt.Errorf("run %s: %w", name, err)
		}
	}()
}

// deliverOutbound hands queued replies to the slave channel one at a time.
func (s *Service) deliverOutbound(ctx context.Context) {
	for {
		msg, ok := s.bus.ConsumeOutbound(ctx)
		if !ok {
			return
		}
		if err := s.slave.Send(ctx, msg); err != nil {
			s.log.Error("Failed to deliver outbound message", "message_id", msg.ID, "kind", msg.Kind(), "error", err)
		}
	}
}

func (s *Service) observeEvents(events <-chan bus.Event) {
	for event := range events {
		s.mu.Lock()
		s.eventCounts[event.Type]++
		s.lastEventAt = event.At
		s.mu.Unlock()

		attrs := []any{"type", event.Type, "message_id", event.MessageID, "native_id", event.NativeID, "kind", event.Kind}
		switch event.Type {
		case bus.EventTranslateFailed, bus.EventSendFailed:
			s.log.Warn("Bridge event", append(attrs, "error", event.Error)...)
		case bus.EventLoggedOut:
			s.log.Warn("Bridge event", attrs...)
		default:
			s.log.Debug("Bridge event", attrs...)
		}
	}
}

func (s *Service) runHealthServer(ctx context.Context, errCh chan<- error) {
	host := strings.TrimSpace(s.cfg.Gateway.Host)
	if host == "" {
		host = defaultHealthHost
	}

	port := s.cfg.Gateway.Port
	if port <= 0 {
		port = defaultHealthPort
	}

	addr := host + ":" + strconv.Itoa(port)
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.log.Info("Gateway status server started", "address", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("start status server: %w", err)
	}
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondStatus(w, http.StatusOK, "ok")
}

func (s *Service) handleReady(w http.ResponseWriter, _ *http.Request) {
	statusCode := http.StatusOK
	status := "ready"
	if !s.isReady() {
		statusCode = http.StatusServiceUnavailable
		status = "not_ready"
	}

	s.respondStatus(w, statusCode, status)
}

func (s *Service) respondStatus(w http.ResponseWriter, statusCode int, status string) {
	payload := s.currentStatus(status)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("Failed to write status response", "error", err)
	}
}

func (s *Service) currentStatus(status string) statusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	uptime := int64(0)
	if !s.startedAt.IsZero() {
		uptime = int64(time.Since(s.startedAt).Seconds())
	}

	channels := make(map[string]channelState, len(s.channelStates))
	for name, state := range s.channelStates {
		channels[name] = state
	}

	events := make(map[string]int, len(s.eventCounts))
	for kind, count := range s.eventCounts {
		events[string(kind)] = count
	}

	lastEvent := ""
	if !s.lastEventAt.IsZero() {
		lastEvent = s.lastEventAt.Format(time.RFC3339)
	}

	return statusResponse{
		Status:        status,
		UptimeSeconds: uptime,
		LastEventAt:   lastEvent,
		Events:        events,
		Channels:      channels,
	}
}

// isReady requires every component to be running.
func (s *Service) isReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.channelStates) == 0 {
		return false
	}

	for _, state := range s.channelStates {
		if !state.Running {
			return false
		}
	}

	return true
}

func (s *Service) setChannelState(name string, state channelState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channelStates[name] = state
}

func errorString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
