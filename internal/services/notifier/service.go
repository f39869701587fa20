// Package notifier reports the display power state to a remote accessory bridge.
package notifier

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/fgeck/autooffice-daemon/internal/metrics"
	"github.com/fgeck/autooffice-daemon/internal/models"
	"github.com/rs/zerolog"
)

// Report outcomes as counted in metrics.
const (
	resultSuccess    = "success"
	resultFailure    = "failure"
	resultSuppressed = "suppressed"
)

// Service defines the interface for status report operations.
type Service interface {
	Report(ctx context.Context, req models.ReportRequest) (*models.ReportResult, error)
	ReportAsync(ctx context.Context, req models.ReportRequest) <-chan *models.ReportResult
}

// HTTPClient allows mocking HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Impl implements the notifier Service interface.
type Impl struct {
	httpClient HTTPClient
	metrics    *metrics.Metrics
	logger     zerolog.Logger
}

// New creates a new notifier whose requests time out after timeout.
func New(logger zerolog.Logger, timeout time.Duration, m *metrics.Metrics) *Impl {
	return &Impl{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		metrics: m,
		logger:  logger,
	}
}

// NewWithClient creates a new notifier with a custom HTTP client (for testing).
func NewWithClient(logger zerolog.Logger, httpClient HTTPClient, m *metrics.Metrics) *Impl {
	return &Impl{
		httpClient: httpClient,
		metrics:    m,
		logger:     logger,
	}
}

// ReportURL builds the bridge URL for a report.
func ReportURL(req models.ReportRequest) string {
	q := url.Values{}
	q.Set("accessoryId", req.Accessory)
	q.Set("state", strconv.FormatBool(req.Awake))

	u := url.URL{
		Scheme:   "http",
		Host:     net.JoinHostPort(req.Address, strconv.Itoa(req.Port)),
		Path:     "/",
		RawQuery: q.Encode(),
	}
	return u.String()
}

// Report sends one status report. Failures are carried in the result and never retried.
func (s *Impl) Report(ctx context.Context, req models.ReportRequest) (*models.ReportResult, error) {
	result := &models.ReportResult{}

	if !req.Enabled {
		result.Suppressed = true
		s.metrics.ObserveReport(resultSuppressed)
		s.logger.Debug().Bool("awake", req.Awake).Msg("reporting disabled, skipping status report")
		return result, nil
	}

	result.URL = ReportURL(req)
	start := time.Now()
	defer func() {
		result.Duration = time.Since(start)
		if result.Error != nil {
			s.metrics.ObserveReport(resultFailure)
		} else {
			s.metrics.ObserveReport(resultSuccess)
		}
	}()

	s.logger.Info().
		Str("url", result.URL).
		Bool("awake", req.Awake).
		Msg("reporting display state")

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, result.URL, nil)
	if err != nil {
		result.Error = fmt.Errorf("%w: failed to create request: %w", models.ErrReport, err)
		return result, nil
	}

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		result.Error = fmt.Errorf("%w: failed to send request: %w", models.ErrReport, err)
		s.logger.Warn().Err(err).Str("url", result.URL).Msg("status report failed")
		return result, nil
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	result.StatusCode = resp.StatusCode
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		result.Error = fmt.Errorf("%w: bridge returned status %d", models.ErrReport, resp.StatusCode)
		s.logger.Warn().Int("status", resp.StatusCode).Str("url", result.URL).Msg("status report rejected")
		return result, nil
	}

	result.Sent = true
	s.logger.Debug().Int("status", resp.StatusCode).Msg("status report sent")

	return result, nil
}

// ReportAsync runs Report on its own goroutine. The channel yields exactly one result.
func (s *Impl) ReportAsync(ctx context.Context, req models.ReportRequest) <-chan *models.ReportResult {
	ch := make(chan *models.ReportResult, 1)
	go func() {
		defer close(ch)
		result, err := s.Report(ctx, req)
		if err != nil {
			result = &models.ReportResult{Error: err}
		}
		ch <- result
	}()
	return ch
}
