package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ErrNoSession means no user is authenticated; connecting must fail fast
// without retries.
var ErrNoSession = errors.New("no authenticated session")

// Provider issues bearer tokens for the realtime connection.
type Provider interface {
	Token(ctx context.Context, forceRefresh bool) (string, error)
}

// HTTPProvider exchanges a refresh token for short-lived bearer tokens
// against the identity service. Calls run behind a circuit breaker so a
// flapping identity service does not amplify reconnect storms.
type HTTPProvider struct {
	endpoint     string
	refreshToken string
	http         *http.Client
	breaker      *gobreaker.CircuitBreaker
	log          *zap.SugaredLogger

	mu     sync.Mutex
	cached string
}

// NewHTTPProvider constructs a provider. An empty refresh token models the
// logged-out state.
func NewHTTPProvider(endpoint, refreshToken string, log *zap.SugaredLogger) *HTTPProvider {
	return &HTTPProvider{
		endpoint:     endpoint,
		refreshToken: refreshToken,
		http:         &http.Client{Timeout: 10 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "identity",
			Timeout: 30 * time.Second,
		}),
		log: log,
	}
}

// Token returns a bearer token, reusing the cached one while it is still
// valid unless forceRefresh is set.
func (p *HTTPProvider) Token(ctx context.Context, forceRefresh bool) (string, error) {
	if p.refreshToken == "" {
		return "", ErrNoSession
	}

	p.mu.Lock()
	cached := p.cached
	p.mu.Unlock()
	if !forceRefresh && cached != "" && !expired(cached) {
		return cached, nil
	}

	result, err := p.breaker.Execute(func() (interface{}, error) {
		return p.fetch(ctx)
	})
	if err != nil {
		return "", fmt.Errorf("fetch token: %w", err)
	}
	token := result.(string)

	p.mu.Lock()
	p.cached = token
	p.mu.Unlock()
	return token, nil
}

func (p *HTTPProvider) fetch(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, strings.NewReader(`{"grant_type":"refresh_token"}`))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.refreshToken)

	resp, err := p.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", ErrNoSession
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("identity service returned %d", resp.StatusCode)
	}

	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	if body.AccessToken == "" {
		return "", errors.New("identity service returned empty token")
	}
	return body.AccessToken, nil
}

// expired inspects the token's exp claim without verifying the signature;
// verification is the server's job, we only avoid sending a token that is
// already dead. Unparseable tokens count as expired.
func expired(token string) bool {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return true
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return true
	}
	return time.Until(exp.Time) < 30*time.Second
}

// StaticProvider returns a fixed token; used in tests and local tooling.
type StaticProvider struct {
	Value string
}

func (s StaticProvider) Token(ctx context.Context, forceRefresh bool) (string, error) {
	if s.Value == "" {
		return "", ErrNoSession
	}
	return s.Value, nil
}
