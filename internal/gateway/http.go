package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/unclebandit/smsleopard-dispatch/internal/config"
	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
	"github.com/unclebandit/smsleopard-dispatch/internal/model"
)

// maxBodyBytes caps how much of a provider response is read.
const maxBodyBytes = 1 << 20

// HTTPClient submits messages to a JSON REST gateway with bearer auth.
type HTTPClient struct {
	cfg        config.GatewayConfig
	httpClient *http.Client
	log        zerolog.Logger

	// retryInterval is the first backoff step between transport retries.
	retryInterval time.Duration
}

func NewHTTPClient(cfg config.GatewayConfig, httpClient *http.Client, log zerolog.Logger) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &HTTPClient{
		cfg:           cfg,
		httpClient:    httpClient,
		log:           log.With().Str("component", "gateway").Logger(),
		retryInterval: 250 * time.Millisecond,
	}
}

type sendRequest struct {
	From string `json:"from,omitempty"`
	To   string `json:"to"`
	Text string `json:"text"`
}

type sendResponse struct {
	Data struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"data"`
	Errors []struct {
		Code   string `json:"code"`
		Detail string `json:"detail"`
	} `json:"errors"`
}

// retryableStatusError marks a response worth another attempt.
type retryableStatusError struct {
	status int
	body   []byte
}

func (e *retryableStatusError) Error() string {
	return fmt.Sprintf("gateway returned status %d", e.status)
}

func (c *HTTPClient) Send(ctx context.Context, phone, message string) (*SendResult, error) {
	body, err := json.Marshal(sendRequest{From: c.cfg.SenderID, To: phone, Text: message})
	if err != nil {
		return nil, fmt.Errorf("encode send request: %w", err)
	}
	url := c.endpoint(c.cfg.SendPath)
	start := time.Now()

	operation := func() (*SendResult, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		if c.cfg.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return nil, err
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			if secs, convErr := strconv.Atoi(resp.Header.Get("Retry-After")); convErr == nil && secs > 0 {
				return nil, backoff.RetryAfter(secs)
			}
			return nil, &retryableStatusError{status: resp.StatusCode, body: raw}
		case resp.StatusCode >= 500:
			return nil, &retryableStatusError{status: resp.StatusCode, body: raw}
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return nil, backoff.Permanent(rejection(resp.StatusCode, raw))
		}
		return accepted(resp.StatusCode, raw)
	}

	tries := uint(1)
	if c.cfg.MaxRetries > 0 {
		tries += uint(c.cfg.MaxRetries)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryInterval
	res, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(tries),
	)

	ev := c.log.Debug()
	if err != nil {
		ev = c.log.Warn().Err(err)
	}
	ev.Str("phone", phone).Dur("took", time.Since(start)).Msg("gateway send")

	if err != nil {
		var rs *retryableStatusError
		if errors.As(err, &rs) {
			return nil, rejection(rs.status, rs.body)
		}
		var ra *backoff.RetryAfterError
		if errors.As(err, &ra) {
			return nil, rejection(http.StatusTooManyRequests, nil)
		}
		var ge *appErrors.GatewayError
		if errors.As(err, &ge) {
			return nil, ge
		}
		return nil, fmt.Errorf("send to gateway: %w", err)
	}
	return res, nil
}

// Probe performs one GET against the status endpoint. It never retries.
func (c *HTTPClient) Probe(ctx context.Context) model.ProbeResult {
	start := time.Now()
	res := model.ProbeResult{CheckedAt: start.UTC()}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(c.cfg.StatusPath), nil)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	resp, err := c.httpClient.Do(req)
	res.Latency = time.Since(start)
	if err != nil {
		res.Error = err.Error()
		c.log.Warn().Err(err).Dur("latency", res.Latency).Msg("gateway probe failed")
		return res
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		res.Error = fmt.Sprintf("status endpoint returned %d", resp.StatusCode)
		c.log.Warn().Int("status_code", resp.StatusCode).Dur("latency", res.Latency).Msg("gateway probe failed")
		return res
	}
	res.Reachable = true
	c.log.Debug().Dur("latency", res.Latency).Msg("gateway probe ok")
	return res
}

func (c *HTTPClient) endpoint(path string) string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
}

func accepted(status int, raw []byte) (*SendResult, error) {
	payload := decodePayload(raw)
	var parsed sendResponse
	if err := json.Unmarshal(raw, &parsed); err != nil || parsed.Data.ID == "" {
		return nil, backoff.Permanent(&appErrors.GatewayError{
			Code:       "missing_message_id",
			StatusCode: status,
			Message:    "gateway accepted the message without a message id",
			Response:   payload,
		})
	}
	return &SendResult{
		ProviderMessageID: parsed.Data.ID,
		StatusCode:        status,
		Response:          payload,
	}, nil
}

func rejection(status int, raw []byte) *appErrors.GatewayError {
	ge := &appErrors.GatewayError{
		Code:       strconv.Itoa(status),
		StatusCode: status,
		Message:    http.StatusText(status),
		Response:   decodePayload(raw),
	}
	var parsed sendResponse
	if err := json.Unmarshal(raw, &parsed); err == nil && len(parsed.Errors) > 0 {
		if parsed.Errors[0].Code != "" {
			ge.Code = parsed.Errors[0].Code
		}
		if parsed.Errors[0].Detail != "" {
			ge.Message = parsed.Errors[0].Detail
		}
	} else if len(raw) > 0 && len(raw) < 200 && ge.Response["raw"] != nil {
		ge.Message = strings.TrimSpace(string(raw))
	}
	return ge
}

// decodePayload keeps the provider body as a map; non-JSON bodies are
// stored under "raw".
func decodePayload(raw []byte) model.Payload {
	if len(bytes.TrimSpace(raw)) == 0 {
		return model.Payload{}
	}
	var p model.Payload
	if err := json.Unmarshal(raw, &p); err != nil || p == nil {
		return model.Payload{"raw": string(raw)}
	}
	return p
}

var _ Client = (*HTTPClient)(nil)
