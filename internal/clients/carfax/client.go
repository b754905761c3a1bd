package carfax

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrUpstreamRejected means the provider answered with a definitive
	// non-2xx status. Never retried.
	ErrUpstreamRejected = errors.New("carfax provider rejected request")
	// ErrUpstreamError means every attempt failed at the transport level
	// (timeout, connection reset, undecodable body).
	ErrUpstreamError = errors.New("carfax provider unavailable")
)

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	retries    int
	delay      time.Duration
	logger     *zap.Logger
}

type reportRequest struct {
	VIN   string `json:"vin"`
	ReBuy bool   `json:"re_buy"`
}

type reportResponse struct {
	Status string `json:"status"`
	File   string `json:"file"`
}

type balanceResponse struct {
	Balance float64 `json:"balance"`
}

type vinCheckResponse struct {
	NotFound bool `json:"notFound"`
}

func NewClient(baseURL, apiKey string, httpClient *http.Client, retries int, delay time.Duration, log *zap.Logger) (*Client, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, fmt.Errorf("carfax base url is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parse carfax base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if retries <= 0 {
		retries = 3
	}
	if delay <= 0 {
		delay = time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/") + "/",
		apiKey:     apiKey,
		httpClient: httpClient,
		retries:    retries,
		delay:      delay,
		logger:     log,
	}, nil
}

// FetchReportLink buys a report for the VIN and returns the download URL.
func (c *Client) FetchReportLink(ctx context.Context, vin string) (string, error) {
	vin = strings.ToUpper(strings.TrimSpace(vin))
	if vin == "" {
		return "", fmt.Errorf("vin is required")
	}

	var out reportResponse
	if err := c.doJSON(ctx, http.MethodPost, "reports/carfax", reportRequest{VIN: vin, ReBuy: false}, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.File) == "" {
		return "", fmt.Errorf("%w: empty report file url", ErrUpstreamRejected)
	}

	return out.File, nil
}

func (c *Client) CheckBalance(ctx context.Context) (float64, error) {
	var out balanceResponse
	if err := c.doJSON(ctx, http.MethodGet, "users/balance", nil, &out); err != nil {
		return 0, err
	}
	return out.Balance, nil
}

func (c *Client) VinExists(ctx context.Context, vin string) (bool, error) {
	vin = strings.ToUpper(strings.TrimSpace(vin))
	if vin == "" {
		return false, fmt.Errorf("vin is required")
	}

	var out vinCheckResponse
	path := "reports/check/exit?vin=" + url.QueryEscape(vin)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return false, err
	}
	return !out.NotFound, nil
}

// doJSON runs one logical request with the retry policy from the config:
// transport-level failures retry up to the attempt bound with a fixed delay,
// a non-2xx response surfaces immediately as ErrUpstreamRejected.
func (c *Client) doJSON(ctx context.Context, method, path string, requestBody, responseBody any) error {
	var encoded []byte
	if requestBody != nil {
		data, err := json.Marshal(requestBody)
		if err != nil {
			return fmt.Errorf("marshal carfax request: %w", err)
		}
		encoded = data
	}

	var lastErr error
	for attempt := 1; attempt <= c.retries; attempt++ {
		err := c.doOnce(ctx, method, path, encoded, responseBody)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrUpstreamRejected) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		lastErr = err
		c.logger.Warn("carfax request attempt failed",
			zap.String("path", path),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		if attempt == c.retries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.delay):
		}
	}

	return fmt.Errorf("%w: %v", ErrUpstreamError, lastErr)
}

func (c *Client) doOnce(ctx context.Context, method, path string, encoded []byte, responseBody any) error {
	var body *bytes.Reader
	if encoded != nil {
		body = bytes.NewReader(encoded)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build carfax request: %w", err)
	}
	req.Header.Set("api-key", c.apiKey)
	if encoded != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do carfax request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: status %d", ErrUpstreamRejected, resp.StatusCode)
	}

	if responseBody == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(responseBody); err != nil {
		return fmt.Errorf("decode carfax response: %w", err)
	}

	return nil
}
