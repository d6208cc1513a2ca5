package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/devicehub/flowengine/internal/metrics"
	"github.com/devicehub/flowengine/pkg/types"
)

const defaultHTTPTimeout = 30 * time.Second

// sharedHTTPClient is reused by every HTTP connector so connections
// are pooled process-wide, independent of any single flow run.
var sharedHTTPClient = &http.Client{
	Transport: &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	},
}

// HTTPConnector delivers payloads to an HTTP endpoint. A 2xx response
// is success, any other status is Rejected, connection failures are
// Unreachable, and deadline hits are Timeout.
type HTTPConnector struct {
	cfg     types.HTTPConfig
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTP creates an HTTP connector for one destination. limiter may
// be nil to disable outbound rate limiting.
func NewHTTP(cfg types.HTTPConfig, limiter *rate.Limiter) *HTTPConnector {
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	cfg.Method = strings.ToUpper(cfg.Method)
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	return &HTTPConnector{
		cfg:     cfg,
		client:  sharedHTTPClient,
		limiter: limiter,
	}
}

func (c *HTTPConnector) Type() types.ConnectorType { return types.ConnectorTypeHTTP }

// Send issues one request with the payload as JSON body (query
// parameters for GET) under the connector's timeout.
func (c *HTTPConnector) Send(ctx context.Context, payload any) Result {
	res := c.send(ctx, payload)
	metrics.ConnectorSends.WithLabelValues(string(types.ConnectorTypeHTTP), string(res.Kind)).Inc()
	return res
}

func (c *HTTPConnector) send(ctx context.Context, payload any) Result {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return Result{Kind: ResultTimeout, Detail: fmt.Sprintf("rate limit wait: %v", err)}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := c.buildRequest(ctx, payload)
	if err != nil {
		return Result{Kind: ResultProtocolError, Detail: err.Error()}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{Kind: ResultProtocolError, Detail: fmt.Sprintf("read response: %v", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{
			Kind:       ResultRejected,
			StatusCode: resp.StatusCode,
			Detail:     fmt.Sprintf("destination returned status %d", resp.StatusCode),
		}
	}

	// Pass structured responses back to the flow when the destination
	// sent JSON; otherwise keep the raw text.
	var parsed any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &parsed); err != nil {
			parsed = string(body)
		}
	}
	return Result{Kind: ResultOK, StatusCode: resp.StatusCode, Response: parsed}
}

func (c *HTTPConnector) buildRequest(ctx context.Context, payload any) (*http.Request, error) {
	var req *http.Request
	var err error

	if c.cfg.Method == http.MethodGet {
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL, nil)
		if err != nil {
			return nil, err
		}
		if m, ok := payload.(map[string]any); ok {
			q := req.URL.Query()
			for k, v := range m {
				q.Set(k, fmt.Sprint(v))
			}
			req.URL.RawQuery = q.Encode()
		}
	} else {
		body, merr := json.Marshal(payload)
		if merr != nil {
			return nil, fmt.Errorf("encode payload: %w", merr)
		}
		req, err = http.NewRequestWithContext(ctx, c.cfg.Method, c.cfg.URL, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
	}

	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// Close is a no-op; the pooled transport outlives individual connectors.
func (c *HTTPConnector) Close() {}

func classifyTransportError(err error) Result {
	if errors.Is(err, context.DeadlineExceeded) {
		return Result{Kind: ResultTimeout, Detail: err.Error()}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Result{Kind: ResultTimeout, Detail: err.Error()}
	}
	return Result{Kind: ResultUnreachable, Detail: err.Error()}
}
