package otp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Relay delivery timeouts. Connection setup gets more slack than the
// request itself; a slow mail relay must not hold a login request hostage.
const (
	relayConnectTimeout = 20 * time.Second
	relayRequestTimeout = 5 * time.Second
)

// RelaySender delivers passcodes through an HTTP mail relay. A delivery
// timeout is reported as a failure and never retried here; the patron can
// request a fresh code.
type RelaySender struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

var _ Sender = (*RelaySender)(nil)

// NewRelaySender creates a sender posting to baseURL + "/send".
func NewRelaySender(baseURL string, logger *slog.Logger) (*RelaySender, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("relay URL is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSHandshakeTimeout = relayConnectTimeout

	return &RelaySender{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Transport: transport,
			Timeout:   relayConnectTimeout + relayRequestTimeout,
			// The relay must answer directly, not bounce us elsewhere.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger,
	}, nil
}

// Send posts the passcode to the relay.
func (r *RelaySender) Send(ctx context.Context, email, code string) error {
	form := url.Values{
		"email": {email},
		"otp":   {code},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		r.baseURL+"/send", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build relay request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Warn("passcode delivery failed", "error", err)
		return fmt.Errorf("relay request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		r.logger.Warn("passcode delivery rejected", "status", resp.StatusCode)
		return fmt.Errorf("relay returned status %d", resp.StatusCode)
	}
	return nil
}
