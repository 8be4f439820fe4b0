package refresh

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"portalsync/cmd/internal/session"
)

const maxExchangeBody = 1 << 20

// HTTPExchanger performs the refresh exchange against the backend.
//
// It deliberately bypasses the request gateway: the exchange endpoint must
// never carry an access token nor recurse into refresh handling.
type HTTPExchanger struct {
	client       *http.Client
	url          string
	apiKeyHeader string
	apiKey       string
}

// ExchangerConfig configures HTTPExchanger.
type ExchangerConfig struct {
	BaseURL      string
	Path         string
	APIKeyHeader string
	APIKey       string
	Timeout      time.Duration
	Transport    http.RoundTripper
}

// NewHTTPExchanger constructs an exchanger posting to BaseURL+Path.
func NewHTTPExchanger(cfg ExchangerConfig) *HTTPExchanger {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Path == "" {
		cfg.Path = "/auth/refresh"
	}
	return &HTTPExchanger{
		client:       &http.Client{Timeout: cfg.Timeout, Transport: cfg.Transport},
		url:          strings.TrimRight(cfg.BaseURL, "/") + cfg.Path,
		apiKeyHeader: cfg.APIKeyHeader,
		apiKey:       cfg.APIKey,
	}
}

type exchangeRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type exchangeErrorBody struct {
	Message string `json:"message"`
	Error   *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Exchange posts the refresh token and decodes the rotated pair.
func (x *HTTPExchanger) Exchange(ctx context.Context, refreshToken string) (session.LoginResult, error) {
	body, err := json.Marshal(exchangeRequest{RefreshToken: refreshToken})
	if err != nil {
		return session.LoginResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, x.url, bytes.NewReader(body))
	if err != nil {
		return session.LoginResult{}, fmt.Errorf("create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if x.apiKeyHeader != "" && x.apiKey != "" {
		req.Header.Set(x.apiKeyHeader, x.apiKey)
	}

	resp, err := x.client.Do(req)
	if err != nil {
		return session.LoginResult{}, fmt.Errorf("refresh request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxExchangeBody))
	if err != nil {
		return session.LoginResult{}, fmt.Errorf("read refresh response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb exchangeErrorBody
		_ = json.Unmarshal(data, &eb)
		msg := eb.Message
		if msg == "" && eb.Error != nil {
			msg = eb.Error.Message
		}
		return session.LoginResult{}, &ExchangeError{Status: resp.StatusCode, Message: msg}
	}

	var res session.LoginResult
	if err := json.Unmarshal(data, &res); err != nil {
		return session.LoginResult{}, fmt.Errorf("decode refresh response: %w", err)
	}
	return res, nil
}
