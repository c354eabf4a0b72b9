package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Source fetches a fresh credential state
type Source interface {
	Fetch(ctx context.Context) (State, error)
}

// ProviderConfig contains identity endpoint configuration
type ProviderConfig struct {
	Endpoint  string
	AuthToken string
	Timeout   time.Duration
}

// Provider fetches write credentials from the identity endpoint with a
// bearer-authenticated GET.
type Provider struct {
	config     ProviderConfig
	httpClient *http.Client
	logger     *slog.Logger
}

// NewProvider creates a provider. httpClient may be shared with the storage client.
func NewProvider(config ProviderConfig, httpClient *http.Client, logger *slog.Logger) (*Provider, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}

	return &Provider{
		config:     config,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// Fetch requests a new credential state
func (p *Provider) Fetch(ctx context.Context) (State, error) {
	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.Endpoint, nil)
	if err != nil {
		return State{}, fmt.Errorf("failed to create credential request: %w", err)
	}
	if p.config.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+p.config.AuthToken)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return State{}, fmt.Errorf("credential request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return State{}, fmt.Errorf("failed to read credential response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return State{}, fmt.Errorf("credential endpoint returned HTTP %d: %s", resp.StatusCode, string(body))
	}

	var state State
	if err := json.Unmarshal(body, &state); err != nil {
		return State{}, fmt.Errorf("failed to parse credential response: %w", err)
	}
	if !state.Valid() {
		return State{}, fmt.Errorf("credential response is missing the key pair")
	}

	p.logger.Debug("Fetched storage credentials",
		slog.String("access_key_id", state.AccessKeyID),
		slog.Time("expiry", state.Expiry))

	return state, nil
}

// Static always returns the same credentials; used when no identity endpoint is configured
type Static struct {
	State State
}

// Fetch returns the static credentials
func (s Static) Fetch(context.Context) (State, error) {
	if !s.State.Valid() {
		return State{}, ErrNoCredentials
	}
	return s.State, nil
}
