// Package routeclient is the typed boundary to the external Route
// Optimization Engine. Plan and reoptimize calls are made exactly once;
// only the read-only traffic check retries transient failures.
package routeclient

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	DefaultPlanTimeout    = 30 * time.Second
	DefaultTrafficTimeout = 10 * time.Second
)

// Options configures New. TokenSource supplies the Authorization header and
// owns its refresh lifecycle; nil sends unauthenticated requests.
type Options struct {
	BaseURL        string
	TokenSource    oauth2.TokenSource
	HTTPClient     *http.Client
	PlanTimeout    time.Duration
	TrafficTimeout time.Duration
	// TrafficAttempts bounds CheckTraffic retries. Zero means 3.
	TrafficAttempts int
}

// Client is safe for concurrent use.
type Client struct {
	baseURL         string
	session         *http.Client
	planTimeout     time.Duration
	trafficTimeout  time.Duration
	trafficAttempts int
	backoff         time.Duration
}

func New(opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.New("routeclient: base URL is empty")
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	if opts.TokenSource != nil {
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, hc)
		hc = oauth2.NewClient(ctx, oauth2.ReuseTokenSource(nil, opts.TokenSource))
	}
	c := &Client{
		baseURL:         base,
		session:         hc,
		planTimeout:     opts.PlanTimeout,
		trafficTimeout:  opts.TrafficTimeout,
		trafficAttempts: opts.TrafficAttempts,
		backoff:         200 * time.Millisecond,
	}
	if c.planTimeout <= 0 {
		c.planTimeout = DefaultPlanTimeout
	}
	if c.trafficTimeout <= 0 {
		c.trafficTimeout = DefaultTrafficTimeout
	}
	if c.trafficAttempts <= 0 {
		c.trafficAttempts = 3
	}
	return c, nil
}

// StaticKey wraps a fixed API key as a bearer token source.
func StaticKey(key string) oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: key, TokenType: "Bearer"})
}

// ClientCredentials returns a refreshing token source for engines fronted by
// an OAuth2 token endpoint.
func ClientCredentials(ctx context.Context, clientID, clientSecret, tokenURL string, scopes ...string) oauth2.TokenSource {
	cfg := clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
		Scopes:       scopes,
	}
	return cfg.TokenSource(ctx)
}
