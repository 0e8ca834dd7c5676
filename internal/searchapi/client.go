// Package searchapi は検索APIのHTTPクライアントを提供する。
package searchapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/hitoshi/petsearch/internal/metrics"
	"github.com/hitoshi/petsearch/internal/model"
)

// maxResponseSize はレスポンスボディの最大サイズ（バイト）。
const maxResponseSize = 5 * 1024 * 1024

// Client は検索APIのクライアント。
// ベアラートークンを付与して {baseURL}/{resource} にGETリクエストを送る。
type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
	metrics    metrics.MetricsCollector
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(httpClient *http.Client, baseURL string, logger *slog.Logger, collector metrics.MetricsCollector) *Client {
	if collector == nil {
		collector = metrics.NewNopCollector()
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		logger:     logger,
		metrics:    collector,
	}
}

// Query は検索APIを呼び出し、レスポンスボディをそのまま返す。
// 失敗時はErrSearchFailedをラップしたエラーを返す。
func (c *Client) Query(ctx context.Context, accessToken, resource string, params map[string]string) (json.RawMessage, error) {
	reqURL, err := url.Parse(c.baseURL + "/" + strings.TrimLeft(resource, "/"))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid endpoint: %w", model.ErrSearchFailed, err)
	}

	q := reqURL.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	reqURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create request: %w", model.ErrSearchFailed, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("search API request failed",
			slog.String("resource", resource),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("%w: %w", model.ErrSearchFailed, err)
	}
	defer resp.Body.Close()

	c.metrics.RecordUpstreamStatus("search", resp.StatusCode)

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("search API returned error status",
			slog.String("resource", resource),
			slog.Int("http_status", resp.StatusCode),
		)
		return nil, fmt.Errorf("%w: search API returned status %d", model.ErrSearchFailed, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response body: %w", model.ErrSearchFailed, err)
	}

	if !json.Valid(body) {
		c.logger.Error("search API returned invalid JSON",
			slog.String("resource", resource),
			slog.Int("body_size", len(body)),
		)
		return nil, fmt.Errorf("%w: invalid JSON response", model.ErrSearchFailed)
	}

	return json.RawMessage(body), nil
}
