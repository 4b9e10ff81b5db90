package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

// ConnectionConfig is the ephemeral capability issued by the dashboard
// backend for one connection attempt: where to dial, what bearer token to
// present, and which chat session this console operates on.
type ConnectionConfig struct {
	WsURL      string `json:"wsUrl"`
	Token      string `json:"token"`
	SessionKey string `json:"sessionKey"`
}

// ConfigStore persists the last successfully used ConnectionConfig so a
// later attempt can fall back on it when the backend is unreachable.
type ConfigStore interface {
	PutConfig(ctx context.Context, cfg ConnectionConfig) error
	GetConfig(ctx context.Context) (ConnectionConfig, bool, error)
}

// Resolver fetches connection parameters from the trusted dashboard backend.
// Each connection attempt re-fetches; the store is only read when the fetch
// fails.
type Resolver struct {
	endpoint   string
	credential string
	httpClient *http.Client
	store      ConfigStore
}

// NewResolver builds a resolver against the backend config endpoint.
// credential is the operator's bearer credential for the backend. store may
// be nil, in which case no fallback exists.
func NewResolver(endpoint, credential string, store ConfigStore) *Resolver {
	return &Resolver{
		endpoint:   endpoint,
		credential: credential,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		store:      store,
	}
}

// Resolve returns the config for this connection attempt. A fresh fetch is
// tried first; on failure the last known config is reused as long as its
// token still looks usable. With neither, ErrConfigUnavailable.
func (r *Resolver) Resolve(ctx context.Context) (ConnectionConfig, error) {
	cfg, err := r.fetch(ctx)
	if err == nil {
		if r.store != nil {
			if putErr := r.store.PutConfig(ctx, cfg); putErr != nil {
				log.Warn().Err(putErr).Msg("failed to cache connection config")
			}
		}
		return cfg, nil
	}

	log.Warn().Err(err).Msg("config fetch failed, trying cached config")

	if r.store != nil {
		cached, ok, getErr := r.store.GetConfig(ctx)
		if getErr != nil {
			log.Warn().Err(getErr).Msg("cached config unavailable")
		} else if ok && tokenUsable(cached.Token) {
			log.Info().Str("wsUrl", cached.WsURL).Msg("reusing last known connection config")
			return cached, nil
		}
	}

	return ConnectionConfig{}, fmt.Errorf("%w: %v", ErrConfigUnavailable, err)
}

func (r *Resolver) fetch(ctx context.Context) (ConnectionConfig, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint, nil)
	if err != nil {
		return ConnectionConfig{}, fmt.Errorf("build config request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if r.credential != "" {
		req.Header.Set("Authorization", "Bearer "+r.credential)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return ConnectionConfig{}, fmt.Errorf("config request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return ConnectionConfig{}, fmt.Errorf("config endpoint returned %d: %s", resp.StatusCode, body)
	}

	var cfg ConnectionConfig
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		return ConnectionConfig{}, fmt.Errorf("decode config response: %w", err)
	}
	if cfg.WsURL == "" || cfg.SessionKey == "" {
		return ConnectionConfig{}, fmt.Errorf("config response missing wsUrl or sessionKey")
	}
	return cfg, nil
}

// tokenUsable reports whether a cached bearer token is still plausible. JWT
// tokens are rejected once expired (the gateway would refuse them anyway and
// an auth rejection is terminal); opaque tokens are accepted as-is.
func tokenUsable(token string) bool {
	if token == "" {
		return true
	}
	claims := jwt.RegisteredClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		// Not a JWT; nothing local to check.
		return true
	}
	if claims.ExpiresAt == nil {
		return true
	}
	return time.Now().Before(claims.ExpiresAt.Time)
}
