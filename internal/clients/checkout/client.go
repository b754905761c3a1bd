package checkout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Purpose tag sent with every checkout request so the payment service can
// route its success event back to this service.
const purposeCarfax = "CARFAX"

var (
	// ErrServiceUnavailable means the payment service could not be reached.
	ErrServiceUnavailable = errors.New("payment service unavailable")
	// ErrServiceError means the payment service answered but refused the
	// request or returned no usable link.
	ErrServiceError = errors.New("payment service error")
)

type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

type LinkRequest struct {
	Purpose           string `json:"purpose"`
	PurposeExternalID string `json:"purpose_external_id"`
	SuccessLink       string `json:"success_link"`
	CancelLink        string `json:"cancel_link"`
	UserExternalID    string `json:"user_external_id"`
	Source            string `json:"source"`
}

type linkResponse struct {
	Link string `json:"link"`
}

func NewClient(baseURL string, httpClient *http.Client, log *zap.Logger) (*Client, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, fmt.Errorf("payment service base url is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     log,
	}, nil
}

// CreateCheckoutLink mints a checkout URL for the purchase identified by
// purposeExternalID. Failures are not retried here; the purchase row already
// exists and the caller may simply repeat the buy request.
func (c *Client) CreateCheckoutLink(ctx context.Context, purposeExternalID, successURL, cancelURL, userExternalID, source string) (string, error) {
	purposeExternalID = strings.TrimSpace(purposeExternalID)
	if purposeExternalID == "" {
		return "", fmt.Errorf("purpose external id is required")
	}

	payload, err := json.Marshal(LinkRequest{
		Purpose:           purposeCarfax,
		PurposeExternalID: purposeExternalID,
		SuccessLink:       successURL,
		CancelLink:        cancelURL,
		UserExternalID:    userExternalID,
		Source:            source,
	})
	if err != nil {
		return "", fmt.Errorf("marshal checkout request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/checkout/link", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build checkout request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("checkout request failed",
			zap.String("purpose_external_id", purposeExternalID),
			zap.Error(err),
		)
		return "", fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: status %d", ErrServiceError, resp.StatusCode)
	}

	var out linkResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrServiceError, err)
	}
	if strings.TrimSpace(out.Link) == "" {
		return "", fmt.Errorf("%w: empty checkout link", ErrServiceError)
	}

	return out.Link, nil
}
