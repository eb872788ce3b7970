package paypal

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"paygate/internal/payment/domain"
)

// tokenSource caches the OAuth client-credentials token. Concurrent callers
// with an expired token share one refresh.
type tokenSource struct {
	config     Config
	httpClient *http.Client
	now        func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time

	group singleflight.Group
}

func newTokenSource(cfg Config, httpClient *http.Client) *tokenSource {
	return &tokenSource{config: cfg, httpClient: httpClient, now: time.Now}
}

func (ts *tokenSource) cached() (string, bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.token != "" && ts.now().Before(ts.expires.Add(-ts.config.TokenSkew)) {
		return ts.token, true
	}
	return "", false
}

// Token returns a valid access token, refreshing it if needed. The refresh
// runs detached from the caller's cancellation and bounded by Timeout.
func (ts *tokenSource) Token(ctx context.Context) (string, error) {
	if tok, ok := ts.cached(); ok {
		return tok, nil
	}

	v, err, _ := ts.group.Do("token", func() (any, error) {
		if tok, ok := ts.cached(); ok {
			return tok, nil
		}
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ts.config.Timeout)
		defer cancel()

		tok, ttl, err := ts.fetch(fctx)
		if err != nil {
			return "", err
		}
		ts.mu.Lock()
		ts.token = tok
		ts.expires = ts.now().Add(ttl)
		ts.mu.Unlock()
		return tok, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops tok if it is still the cached token.
func (ts *tokenSource) Invalidate(tok string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.token == tok {
		ts.token = ""
	}
}

func (ts *tokenSource) fetch(ctx context.Context) (string, time.Duration, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")

	endpoint := strings.TrimRight(ts.config.BaseURL, "/") + "/v1/oauth2/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, fmt.Errorf("create token request: %w", err)
	}
	req.SetBasicAuth(ts.config.ClientID, ts.config.Secret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := ts.httpClient.Do(req)
	if err != nil {
		return "", 0, domain.Unavailable(domain.ProviderPayPal, domain.ReasonConnection, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, domain.Unavailable(domain.ProviderPayPal, domain.ReasonConnection, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", 0, domain.Unavailable(domain.ProviderPayPal, domain.ReasonRateLimited, nil)
	case resp.StatusCode >= 500:
		return "", 0, domain.Unavailable(domain.ProviderPayPal, domain.ReasonProviderError, nil)
	case resp.StatusCode != http.StatusOK:
		var e struct {
			Error       string `json:"error"`
			Description string `json:"error_description"`
		}
		_ = json.Unmarshal(body, &e)
		return "", 0, domain.Rejected(domain.ProviderPayPal, domain.ReasonAuthentication, e.Description, resp.StatusCode)
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &tok); err != nil {
		return "", 0, fmt.Errorf("paypal: decode token: %w", err)
	}
	if tok.AccessToken == "" {
		return "", 0, domain.Rejected(domain.ProviderPayPal, domain.ReasonAuthentication, "empty access token", resp.StatusCode)
	}
	return tok.AccessToken, time.Duration(tok.ExpiresIn) * time.Second, nil
}
