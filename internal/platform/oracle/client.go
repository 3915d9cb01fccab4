// Package oracle talks to an OpenAI-compatible chat completions endpoint and
// extracts the single JSON object every prompt asks for.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/alanyoungcy/marketforge/internal/domain"
)

// ErrMalformed is returned when the oracle answered but its content did not
// hold exactly one decodable JSON object.
var ErrMalformed = errors.New("oracle: response malformed")

// Config holds the connection and retry settings of a Client.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	Timeout     time.Duration
	MaxRetries  int
	RateLimit   int
	RateWindow  time.Duration
}

// Client is the chat completions client shared by the validation and the
// evidence adapters.
type Client struct {
	cfg     Config
	api     openai.Client
	limiter domain.RateLimiter
	logger  *slog.Logger
}

// New creates a Client. limiter may be nil, in which case requests are not
// rate limited.
func New(cfg Config, limiter domain.RateLimiter, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	c := &Client{
		cfg:     cfg,
		limiter: limiter,
		logger:  logger.With(slog.String("component", "oracle")),
	}

	opts := []option.RequestOption{
		option.WithMaxRetries(cfg.MaxRetries),
		option.WithRequestTimeout(cfg.Timeout),
		option.WithMiddleware(c.attempt),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(cfg.BaseURL, "/")+"/"))
	}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	c.api = openai.NewClient(opts...)
	return c
}

// attempt runs around every HTTP attempt the SDK makes, retries included, so
// each one is throttled.
func (c *Client) attempt(req *http.Request, next option.MiddlewareNext) (*http.Response, error) {
	if n := req.Header.Get("X-Stainless-Retry-Count"); n != "" && n != "0" {
		c.logger.Warn("retrying oracle call", slog.String("attempt", n))
	}
	if err := c.throttle(req.Context()); err != nil {
		return nil, err
	}
	return next(req)
}

// Complete sends one system+user exchange and returns the assistant content.
// Transport failures, non-2xx answers and exhausted retries wrap
// domain.ErrOracleUnavailable.
func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	return c.complete(ctx, system, user, nil)
}

// CompleteJSON asks for a JSON object response and decodes the single JSON
// object in the answer into out.
func (c *Client) CompleteJSON(ctx context.Context, system, user string, out any) error {
	content, err := c.complete(ctx, system, user, &shared.ResponseFormatJSONObjectParam{})
	if err != nil {
		return err
	}
	obj, err := ExtractObject(content)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(obj), out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

func (c *Client) complete(ctx context.Context, system, user string, jsonObject *shared.ResponseFormatJSONObjectParam) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(c.cfg.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
		Temperature: openai.Float(c.cfg.Temperature),
	}
	if jsonObject != nil {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{OfJSONObject: jsonObject}
	}

	resp, err := c.api.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return "", fmt.Errorf("%w: HTTP %d: %s", domain.ErrOracleUnavailable, apiErr.StatusCode, truncate(apiErr.Message, 256))
		}
		return "", fmt.Errorf("%w: %w", domain.ErrOracleUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices", ErrMalformed)
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *Client) throttle(ctx context.Context) error {
	if c.limiter == nil || c.cfg.RateLimit <= 0 {
		return nil
	}
	err := c.limiter.Wait(ctx, "oracle", c.cfg.RateLimit, c.cfg.RateWindow)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", domain.ErrOracleUnavailable, ctx.Err())
	}
	// A broken limiter must not stop resolution; the call proceeds unthrottled.
	c.logger.Warn("rate limiter unavailable", slog.String("error", err.Error()))
	return nil
}

// ExtractObject returns the only JSON object embedded in s. Surrounding
// prose and code fences are tolerated; zero or several objects are not.
func ExtractObject(s string) (string, error) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", fmt.Errorf("%w: no JSON object", ErrMalformed)
	}
	dec := json.NewDecoder(strings.NewReader(s[start:]))
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	rest := s[start+int(dec.InputOffset()):]
	if next := strings.IndexByte(rest, '{'); next >= 0 {
		var extra json.RawMessage
		if json.NewDecoder(strings.NewReader(rest[next:])).Decode(&extra) == nil {
			return "", fmt.Errorf("%w: more than one JSON object", ErrMalformed)
		}
	}
	return string(raw), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
