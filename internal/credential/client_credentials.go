package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/hitoshi/petsearch/internal/metrics"
)

// ClientCredentialsConfig はOAuth 2.0 client_credentialsグラントの設定。
type ClientCredentialsConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
}

// ClientCredentialsProvider はclient_credentialsグラントでアクセストークンを取得する。
type ClientCredentialsProvider struct {
	config     ClientCredentialsConfig
	httpClient *http.Client
	metrics    metrics.MetricsCollector
}

// NewClientCredentialsProvider はClientCredentialsProviderを生成する。
func NewClientCredentialsProvider(
	config ClientCredentialsConfig,
	httpClient *http.Client,
	collector metrics.MetricsCollector,
) *ClientCredentialsProvider {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if collector == nil {
		collector = metrics.NewNopCollector()
	}
	return &ClientCredentialsProvider{
		config:     config,
		httpClient: httpClient,
		metrics:    collector,
	}
}

// tokenResponse はトークンエンドポイントのレスポンス。
type tokenResponse struct {
	TokenType   string `json:"token_type"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Acquire はトークンエンドポイントからアクセストークンを取得する。
func (p *ClientCredentialsProvider) Acquire(ctx context.Context) (Grant, error) {
	data := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {p.config.ClientID},
		"client_secret": {p.config.ClientSecret},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return Grant{}, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Grant{}, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	p.metrics.RecordUpstreamStatus("token", resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Grant{}, fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return Grant{}, fmt.Errorf("token request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var tokenResp tokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return Grant{}, fmt.Errorf("failed to parse token response: %w", err)
	}

	if tokenResp.AccessToken == "" {
		return Grant{}, fmt.Errorf("empty access token in response")
	}
	if tokenResp.ExpiresIn <= 0 || tokenResp.ExpiresIn > maxExpiresInSeconds {
		return Grant{}, fmt.Errorf("invalid expires_in in response: %d", tokenResp.ExpiresIn)
	}

	return Grant{
		AccessToken:      tokenResp.AccessToken,
		ExpiresInSeconds: tokenResp.ExpiresIn,
	}, nil
}

// compile-time interface check
var _ Provider = (*ClientCredentialsProvider)(nil)
