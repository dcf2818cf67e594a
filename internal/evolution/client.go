package evolution

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

// statusSuccess is the gateway's success marker in QR responses.
const statusSuccess = "success"

// Client issues requests against an Evolution API deployment.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a gateway client. A nil httpClient falls back to
// http.DefaultClient; QR codes are time-limited so requests rely on the
// transport's defaults rather than layering retries or custom timeouts.
func NewClient(httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{httpClient: httpClient, logger: logger}
}

// qrResponse is the gateway's QR endpoint envelope.
type qrResponse struct {
	Status string `json:"status"`
	QRCode string `json:"qrcode"`
}

// FetchQR requests a pairing QR code from a previously derived endpoint.
// The returned payload is an opaque renderable image reference (data URI or
// image URL) passed through unmodified.
func (c *Client) FetchQR(ctx context.Context, endpoint string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", NewError(KindNetwork, "build QR request", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", NewError(KindNetwork, "request QR code", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", NewError(KindHTTPStatus, fmt.Sprintf("gateway returned %d", resp.StatusCode), nil)
	}

	var payload qrResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", NewError(KindNetwork, "decode QR response", err)
	}

	if payload.Status != statusSuccess || strings.TrimSpace(payload.QRCode) == "" {
		c.logger.Debug("incomplete QR response",
			"status", payload.Status,
			"has_qrcode", payload.QRCode != "")
		return "", NewError(KindInvalidPayload, "gateway response missing success status or QR code", nil)
	}

	return payload.QRCode, nil
}

// CheckCredentials verifies that the configured Evolution API base URL and
// key are accepted by the gateway. Used by the credential-test action; a nil
// return means the caller may stamp the settings record's last-checked time.
func (c *Client) CheckCredentials(ctx context.Context, baseURL, apiKey string) error {
	if strings.TrimSpace(baseURL) == "" {
		return NewError(KindInvalidURL, "evolution URL is required", nil)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL, nil)
	if err != nil {
		return NewError(KindNetwork, "build credential check request", err)
	}
	req.Header.Set("apikey", apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return NewError(KindNetwork, "credential check request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return NewError(KindHTTPStatus, "gateway rejected the API key", nil)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return NewError(KindHTTPStatus, fmt.Sprintf("gateway returned %d", resp.StatusCode), nil)
	}
	return nil
}
