package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// PlaceCallRequest is the provider-agnostic dial order. Provider SDK details
// stay inside adapters; business logic never sees them.
type PlaceCallRequest struct {
	TenantID          string
	CallID            string
	FromNumber        string
	ToNumber          string
	StatusCallbackURL string
}

// Dialer is the telephony provider boundary. PlaceCall must respect the
// caller's deadline: a provider that hangs resolves to a local failure,
// never to a stuck session.
type Dialer interface {
	Name() string
	PlaceCall(ctx context.Context, req PlaceCallRequest) (providerRef string, err error)
	CancelCall(ctx context.Context, providerRef string) error
}

// HTTPDialer talks to a Twilio-style REST voice API.
type HTTPDialer struct {
	baseURL    string
	accountSID string
	authToken  string
	client     *http.Client
}

func NewHTTPDialer(baseURL, accountSID, authToken string, timeout time.Duration) *HTTPDialer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPDialer{
		baseURL:    strings.TrimRight(baseURL, "/"),
		accountSID: accountSID,
		authToken:  authToken,
		client:     &http.Client{Timeout: timeout},
	}
}

func (d *HTTPDialer) Name() string { return "http" }

func (d *HTTPDialer) callsURL(suffix string) string {
	return fmt.Sprintf("%s/Accounts/%s/Calls%s", d.baseURL, d.accountSID, suffix)
}

func (d *HTTPDialer) PlaceCall(ctx context.Context, req PlaceCallRequest) (string, error) {
	form := url.Values{}
	form.Set("To", req.ToNumber)
	form.Set("From", req.FromNumber)
	form.Set("StatusCallback", req.StatusCallbackURL)
	form.Set("Record", "true")
	form.Set("Timeout", "30")

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.callsURL(".json"), strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.SetBasicAuth(d.accountSID, d.authToken)

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("place call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("place call: provider returned %d", resp.StatusCode)
	}
	var out struct {
		Sid string `json:"sid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("place call: decode response: %w", err)
	}
	if out.Sid == "" {
		return "", fmt.Errorf("place call: provider response missing sid")
	}
	return out.Sid, nil
}

func (d *HTTPDialer) CancelCall(ctx context.Context, providerRef string) error {
	form := url.Values{}
	form.Set("Status", "canceled")

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.callsURL("/"+providerRef+".json"), strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.SetBasicAuth(d.accountSID, d.authToken)

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("cancel call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("cancel call: provider returned %d", resp.StatusCode)
	}
	return nil
}
