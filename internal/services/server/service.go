// Package server implements the command server: a small HTTP/1.1 listener that answers status
// queries and accepts wake and sleep requests from the remote accessory bridge.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/fgeck/autooffice-daemon/internal/metrics"
	"github.com/fgeck/autooffice-daemon/internal/models"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// RunningMessage is the body served on the root route.
const RunningMessage = "AutoOfficeDaemon now running."

// DefaultResponseWait is how long /wake and /sleep wait for the display before answering with the
// current state. It stays below the write timeout so a slow wake (Wake-on-LAN) never drops the response.
const DefaultResponseWait = 5 * time.Second

// Service defines the interface for the command server.
type Service interface {
	Start(port int) error
	Stop(ctx context.Context) error
}

// PowerController is the part of the power state machine the routes drive.
type PowerController interface {
	IsAwake() bool
	RequestState(ctx context.Context, asleep, force bool) error
}

// SettingsSource provides the current runtime settings.
type SettingsSource interface {
	Snapshot() models.Settings
}

// Impl implements the command server Service interface.
type Impl struct {
	mu          sync.Mutex
	httpServer  *http.Server
	listener    net.Listener
	serveDone   chan struct{}
	bindAddress string
	handler     http.Handler

	power        PowerController
	settings     SettingsSource
	limiter      *rate.Limiter
	responseWait time.Duration
	logger       zerolog.Logger

	// Display requests outlive their HTTP request and are cancelled by Close.
	ctx      context.Context
	cancel   context.CancelFunc
	requests sync.WaitGroup
}

// NewLimiter returns a limiter for wake and sleep requests, or nil when perSecond is 0 (unlimited).
func NewLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// New creates a command server bound to bindAddress once started. A nil limiter disables rate limiting.
func New(
	logger zerolog.Logger,
	bindAddress string,
	power PowerController,
	settings SettingsSource,
	limiter *rate.Limiter,
	m *metrics.Metrics,
) *Impl {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Impl{
		bindAddress:  bindAddress,
		power:        power,
		settings:     settings,
		limiter:      limiter,
		responseWait: DefaultResponseWait,
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
	}

	mux := http.NewServeMux()
	mux.Handle("GET /{$}", m.InstrumentRoute("/", http.HandlerFunc(s.handleRoot)))
	mux.Handle("GET /status", m.InstrumentRoute("/status", http.HandlerFunc(s.handleStatus)))
	mux.Handle("GET /wake", m.InstrumentRoute("/wake", http.HandlerFunc(s.handleWake)))
	mux.Handle("GET /sleep", m.InstrumentRoute("/sleep", http.HandlerFunc(s.handleSleep)))
	s.handler = mux

	return s
}

// Handler returns the route handler, for serving without a listener.
func (s *Impl) Handler() http.Handler {
	return s.handler
}

// Start binds an IPv4 listener on port and serves on a background goroutine.
// Bind failures are returned wrapped in models.ErrBind.
func (s *Impl) Start(port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.httpServer != nil {
		return fmt.Errorf("command server already listening on %s", s.listener.Addr())
	}

	addr := net.JoinHostPort(s.bindAddress, strconv.Itoa(port))
	ln, err := net.Listen("tcp4", addr)
	if err != nil {
		return fmt.Errorf("%w: listening on %s: %w", models.ErrBind, addr, err)
	}

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	done := make(chan struct{})

	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Str("addr", ln.Addr().String()).Msg("command server stopped unexpectedly")
		}
	}()

	s.httpServer = srv
	s.listener = ln
	s.serveDone = done

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("command server listening")
	return nil
}

// Stop shuts the listener down and releases the port. Stopping a stopped server is a no-op.
func (s *Impl) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.httpServer == nil {
		return nil
	}

	addr := s.listener.Addr().String()
	err := s.httpServer.Shutdown(ctx)
	if err != nil {
		_ = s.httpServer.Close()
	}
	<-s.serveDone

	s.httpServer = nil
	s.listener = nil
	s.serveDone = nil

	s.logger.Info().Str("addr", addr).Msg("command server stopped")
	if err != nil {
		return fmt.Errorf("shutting down command server: %w", err)
	}
	return nil
}

// Close cancels display requests still running after their response was sent and waits for them.
// The listener is not affected; use Stop for that.
func (s *Impl) Close() {
	s.cancel()
	s.requests.Wait()
}

// Addr returns the bound address, or nil when the server is not listening.
func (s *Impl) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Impl) handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(RunningMessage))
}

func (s *Impl) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeState(w)
}

func (s *Impl) handleWake(w http.ResponseWriter, r *http.Request) {
	s.handleRequest(w, r, false)
}

func (s *Impl) handleSleep(w http.ResponseWriter, r *http.Request) {
	s.handleRequest(w, r, true)
}

// handleRequest never fails the transaction: a denied or failed request returns the unchanged state.
func (s *Impl) handleRequest(w http.ResponseWriter, r *http.Request, asleep bool) {
	action := models.ActionWake
	allowed := s.settings.Snapshot().RespondToWakeRequest
	if asleep {
		action = models.ActionSleep
		allowed = s.settings.Snapshot().RespondToSleepRequest
	}

	log := s.logger.With().Str("action", action).Str("remote", r.RemoteAddr).Logger()

	switch {
	case !allowed:
		log.Info().Msg("ignoring request, responding is turned off")
	case s.limiter != nil && !s.limiter.Allow():
		log.Warn().Msg("ignoring request, rate limit exceeded")
	default:
		s.requestState(r.Context(), log, asleep)
	}

	s.writeState(w)
}

// requestState runs the display request detached from the HTTP request and waits for it at most
// responseWait. A request still running after that completes in the background.
func (s *Impl) requestState(reqCtx context.Context, log zerolog.Logger, asleep bool) {
	done := make(chan struct{})

	s.requests.Add(1)
	go func() {
		defer s.requests.Done()
		defer close(done)
		if err := s.power.RequestState(s.ctx, asleep, false); err != nil {
			log.Warn().Err(err).Msg("display request failed")
			return
		}
		log.Info().Msg("display request handled")
	}()

	timer := time.NewTimer(s.responseWait)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		log.Info().Dur("waited", s.responseWait).Msg("display request still running, answering with current state")
	case <-reqCtx.Done():
	}
}

func (s *Impl) writeState(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, models.NewStatusResponse(s.power.IsAwake()))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
