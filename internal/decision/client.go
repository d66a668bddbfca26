// Package decision is the HTTP client for the remote decision, enrichment and
// status services.
package decision

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/opero/api/schemas"
	"github.com/xkilldash9x/opero/internal/config"
)

const defaultErrorDetail = "Failed to run agent"

// maxErrorBody caps how much of a failed response is read for its detail.
const maxErrorBody = 64 << 10

// APIError is a non-success response from the service.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	return e.Detail
}

// IsQuotaExceeded reports whether err is the service refusing a free account
// that has used up its runs.
func IsQuotaExceeded(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusForbidden
}

// Client talks to the decision service.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	limiter    *rate.Limiter
	userAgent  string
	logger     *zap.Logger
}

// NewClient builds a Client from configuration. transport may be nil.
func NewClient(cfg config.DecisionConfig, transport http.RoundTripper, logger *zap.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid decision.base_url %q", cfg.BaseURL)
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		baseURL: base,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: newCompressionTransport(transport),
		},
		limiter:   rate.NewLimiter(limit, burst),
		userAgent: cfg.UserAgent,
		logger:    logger.Named("decision"),
	}, nil
}

// Decide asks the service for the next action.
func (c *Client) Decide(ctx context.Context, req schemas.AgentRequest) (schemas.AgentResult, error) {
	var result schemas.AgentResult
	start := time.Now()
	if err := c.do(ctx, http.MethodPost, "/agent", nil, req, &result); err != nil {
		return schemas.AgentResult{}, err
	}
	c.logger.Debug("Decision received.",
		zap.String("action", result.Action.String()),
		zap.Int("highlight_index", result.HighlightIndex),
		zap.Duration("took", time.Since(start)),
	)
	return result, nil
}

// Enrich expands a user prompt.
func (c *Client) Enrich(ctx context.Context, req schemas.EnrichRequest) (string, error) {
	var resp schemas.EnrichResponse
	if err := c.do(ctx, http.MethodPost, "/enrich", nil, req, &resp); err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.Prompt) == "" {
		return "", errors.New("enrich: empty prompt in response")
	}
	return resp.Prompt, nil
}

// Status returns the account's run allowance.
func (c *Client) Status(ctx context.Context, email string) (schemas.AgentStatus, error) {
	var status schemas.AgentStatus
	q := url.Values{"email": []string{email}}
	if err := c.do(ctx, http.MethodGet, "/agent/status", q, nil, &status); err != nil {
		return schemas.AgentStatus{}, err
	}
	return status, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", path, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode, Detail: defaultErrorDetail}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var body schemas.APIErrorBody
	if json.Unmarshal(raw, &body) == nil && body.Detail != "" {
		apiErr.Detail = body.Detail
	}
	return apiErr
}
