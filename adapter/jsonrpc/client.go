package jsonrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"
	"github.com/xcall-tracker/xtracker/adapter"
	"github.com/xcall-tracker/xtracker/log"
	"golang.org/x/time/rate"
)

const (
	jsonRPCVersion  = "2.0"
	defaultRetries  = 2
	defaultRetryMin = 200 * time.Millisecond
	defaultRetryMax = 2 * time.Second
)

// RPCError is an error object returned by a JSON-RPC server
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type request struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      uint64      `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

// Client talks JSON-RPC 2.0 and plain REST to a chain endpoint. Calls are rate limited
// and transport failures are retried by resty before surfacing as adapter.ErrRetryable.
type Client struct {
	url     string
	http    *resty.Client
	limiter *rate.Limiter
	nextID  atomic.Uint64
	logger  *log.Logger
}

// NewClient creates a client for url. requestsPerSecond <= 0 disables rate limiting.
func NewClient(url string, timeout time.Duration, requestsPerSecond float64, logger *log.Logger) *Client {
	limit := rate.Inf
	burst := 1
	if requestsPerSecond > 0 {
		limit = rate.Limit(requestsPerSecond)
		burst = int(requestsPerSecond) + 1
	}
	c := &Client{
		url:     url,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}
	c.http = resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetRetryCount(defaultRetries).
		SetRetryWaitTime(defaultRetryMin).
		SetRetryMaxWaitTime(defaultRetryMax).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= http.StatusInternalServerError
		}).
		OnAfterResponse(func(_ *resty.Client, r *resty.Response) error {
			logger.Debugf("%s %s -> %d (%s)", r.Request.Method, r.Request.URL, r.StatusCode(), r.Time())
			return nil
		})
	return c
}

// HTTP exposes the underlying resty client
func (c *Client) HTTP() *resty.Client {
	return c.http
}

// URL returns the JSON-RPC endpoint
func (c *Client) URL() string {
	return c.url
}

// Call invokes method and decodes the result into result (if not nil)
func (c *Client) Call(ctx context.Context, method string, params interface{}, result interface{}) error {
	raw, err := c.CallRaw(ctx, method, params)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return fmt.Errorf("error decoding %s result: %w", method, err)
	}
	return nil
}

// CallRaw invokes method and returns the raw result
func (c *Client) CallRaw(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	req := request{JSONRPC: jsonRPCVersion, ID: c.nextID.Add(1), Method: method, Params: params}
	body, err := c.do(ctx, http.MethodPost, c.url, nil, req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	var resp response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%s: invalid json-rpc response: %w", method, err)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

// CallGJSON is CallRaw parsed with gjson
func (c *Client) CallGJSON(ctx context.Context, method string, params interface{}) (gjson.Result, error) {
	raw, err := c.CallRaw(ctx, method, params)
	if err != nil {
		return gjson.Result{}, err
	}
	return gjson.ParseBytes(raw), nil
}

// Get performs a REST GET against url
func (c *Client) Get(ctx context.Context, url string, query map[string]string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, url, query, nil)
}

// Post performs a REST POST against url
func (c *Client) Post(ctx context.Context, url string, body interface{}) ([]byte, error) {
	return c.do(ctx, http.MethodPost, url, nil, body)
}

func (c *Client) do(ctx context.Context, method, url string, query map[string]string,
	body interface{}) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req := c.http.R().SetContext(ctx)
	if query != nil {
		req.SetQueryParams(query)
	}
	if body != nil {
		req.SetBody(body)
	}
	resp, err := req.Execute(method, url)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, adapter.Retryable(err)
	}
	status := resp.StatusCode()
	if status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
		return nil, adapter.Retryable(fmt.Errorf("http status %d: %s", status, truncate(resp.Body())))
	}
	if status >= http.StatusBadRequest {
		// JSON-RPC servers may report application errors with a 4xx and a regular body
		if gjson.GetBytes(resp.Body(), "error.code").Exists() {
			return resp.Body(), nil
		}
		return nil, &HTTPError{Status: status, Body: truncate(resp.Body())}
	}
	return resp.Body(), nil
}

// HTTPError is a non retryable REST failure
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.Status, e.Body)
}

func truncate(b []byte) string {
	const maxBody = 256
	if len(b) > maxBody {
		return string(b[:maxBody]) + "..."
	}
	return string(b)
}
