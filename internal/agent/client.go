package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/immoassist/chat-gateway/internal/config"
	"github.com/immoassist/chat-gateway/internal/observability"
	"github.com/immoassist/chat-gateway/internal/resilience"
	"github.com/immoassist/chat-gateway/internal/sse"
)

// ErrStatus is wrapped by every non-success HTTP response from the agent
var ErrStatus = errors.New("agent returned non-success status")

// StatusError carries the status code and a bounded slice of the body
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("agent returned status %d", e.Code)
	}
	return fmt.Sprintf("agent returned status %d: %s", e.Code, e.Body)
}

func (e *StatusError) Unwrap() error {
	return ErrStatus
}

// Client talks to the conversational agent's HTTP API
type Client struct {
	baseURL    string
	appName    string
	httpClient *http.Client
	// streamClient has no overall timeout; a turn may stream for as long as
	// frames keep arriving.
	streamClient *http.Client
	idleTimeout  time.Duration
	breaker      *resilience.CircuitBreaker
	retry        *resilience.RetryConfig
	logger       zerolog.Logger
}

// NewClient creates an agent client from configuration
func NewClient(cfg *config.Config, logger zerolog.Logger) *Client {
	breaker := resilience.NewCircuitBreaker(
		"agent",
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
	)
	breaker.OnStateChange(func(name string, state resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(state))
		logger.Warn().Str("breaker", name).Str("state", state.String()).Msg("Circuit breaker state changed")
	})

	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = cfg.RetryMaxAttempts
	retry.InitialBackoff = time.Duration(cfg.RetryInitialBackoff) * time.Millisecond

	timeout := time.Duration(cfg.AgentTimeout) * time.Second
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = timeout

	return &Client{
		baseURL:      strings.TrimRight(cfg.AgentURL, "/"),
		appName:      cfg.AgentAppName,
		httpClient:   &http.Client{Timeout: timeout},
		streamClient: &http.Client{Transport: transport},
		idleTimeout:  timeout,
		breaker:      breaker,
		retry:        retry,
		logger:       logger.With().Str("component", "agent").Logger(),
	}
}

// AppName returns the agent application the client addresses
func (c *Client) AppName() string {
	return c.appName
}

// Run starts a streamed turn and returns a decoder over its frames. The
// caller owns the decoder and must Close it. Retries only cover
// establishing the stream; once frames flow, a failure ends the turn, and
// so does a stream that stays silent for longer than the idle timeout.
func (c *Client) Run(ctx context.Context, req RunRequest) (*sse.Decoder, error) {
	if req.AppName == "" {
		req.AppName = c.appName
	}
	req.Streaming = true

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal run request: %w", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)

	var resp *http.Response
	err = c.breaker.Call(func() error {
		return resilience.Retry(streamCtx, func(ctx context.Context) error {
			r, err := c.post(ctx, c.streamClient, c.baseURL+"/run_sse", body, "text/event-stream")
			if err != nil {
				return err
			}
			if r.StatusCode != http.StatusOK {
				serr := readStatusError(r)
				if r.StatusCode >= 500 {
					return resilience.NewRetryableError(serr)
				}
				return serr
			}
			resp = r
			return nil
		}, c.retry, resilience.IsRetryableNetworkError)
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start agent run: %w", err)
	}

	c.logger.Debug().Str("session_id", req.SessionID).Msg("Agent stream opened")
	return sse.NewDecoder(newIdleBody(resp.Body, c.idleTimeout, cancel)), nil
}

// CreateSession registers a session with the agent. An already existing
// session is not an error.
func (c *Client) CreateSession(ctx context.Context, userID, sessionID string) error {
	endpoint := fmt.Sprintf("%s/apps/%s/users/%s/sessions/%s",
		c.baseURL, url.PathEscape(c.appName), url.PathEscape(userID), url.PathEscape(sessionID))

	return c.breaker.Call(func() error {
		return resilience.Retry(ctx, func(ctx context.Context) error {
			resp, err := c.post(ctx, c.httpClient, endpoint, []byte("{}"), "application/json")
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			switch {
			case resp.StatusCode == http.StatusConflict:
				c.logger.Debug().Str("session_id", sessionID).Msg("Agent session already exists")
				return nil
			case resp.StatusCode >= 200 && resp.StatusCode < 300:
				_, _ = io.Copy(io.Discard, resp.Body)
				return nil
			case resp.StatusCode >= 500:
				return resilience.NewRetryableError(readStatusError(resp))
			default:
				return readStatusError(resp)
			}
		}, c.retry, resilience.IsRetryableNetworkError)
	})
}

// HealthCheck reports whether the agent answers its app listing
func (c *Client) HealthCheck(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/list-apps", nil)
	if err != nil {
		return false, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return false, &StatusError{Code: resp.StatusCode}
	}
	return true, nil
}

func (c *Client) post(ctx context.Context, client *http.Client, endpoint string, body []byte, accept string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", accept)
	return client.Do(req)
}

// idleBody cancels the request when no read completes within timeout
type idleBody struct {
	io.ReadCloser
	timeout time.Duration
	timer   *time.Timer
	cancel  context.CancelFunc
}

func newIdleBody(body io.ReadCloser, timeout time.Duration, cancel context.CancelFunc) *idleBody {
	b := &idleBody{ReadCloser: body, timeout: timeout, cancel: cancel}
	if timeout > 0 {
		b.timer = time.AfterFunc(timeout, cancel)
	}
	return b
}

func (b *idleBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if n > 0 && b.timer != nil {
		b.timer.Reset(b.timeout)
	}
	return n, err
}

func (b *idleBody) Close() error {
	if b.timer != nil {
		b.timer.Stop()
	}
	b.cancel()
	return b.ReadCloser.Close()
}

func readStatusError(resp *http.Response) error {
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
}
