// Package locationapi はロケーション候補（オートコンプリート）APIのクライアントを提供する。
package locationapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/hitoshi/petsearch/internal/metrics"
	"github.com/hitoshi/petsearch/internal/model"
)

// maxResponseSize はレスポンスボディの最大サイズ（バイト）。
const maxResponseSize = 1024 * 1024

// Sanitizer は候補文字列を表示用に無害化するインターフェース。
type Sanitizer interface {
	Sanitize(text string) string
}

// Config はクライアントの設定。
type Config struct {
	// Endpoint はロケーション候補APIのURL。
	Endpoint string
}

// Client はロケーション候補APIのクライアント。
// 送信間隔の制御は呼び出し側（suggest.Engine）が行う。
type Client struct {
	httpClient *http.Client
	endpoint   string
	sanitizer  Sanitizer
	logger     *slog.Logger
	metrics    metrics.MetricsCollector
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(
	httpClient *http.Client,
	config Config,
	sanitizer Sanitizer,
	logger *slog.Logger,
	collector metrics.MetricsCollector,
) *Client {
	if collector == nil {
		collector = metrics.NewNopCollector()
	}
	return &Client{
		httpClient: httpClient,
		endpoint:   config.Endpoint,
		sanitizer:  sanitizer,
		logger:     logger,
		metrics:    collector,
	}
}

// suggestResponse はロケーション候補APIのレスポンス。
type suggestResponse struct {
	Locations []string `json:"locations"`
}

// Suggest は部分入力と基準座標からロケーション候補を取得する。
// 候補の順序はAPIの返却順を維持する。
// 失敗時はErrSuggestFailedをラップしたエラーを返す。
func (c *Client) Suggest(ctx context.Context, partial string, lat, lon float64) ([]string, error) {
	reqURL, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid endpoint: %w", model.ErrSuggestFailed, err)
	}

	q := reqURL.Query()
	q.Set("query", partial)
	q.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(lon, 'f', -1, 64))
	reqURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create request: %w", model.ErrSuggestFailed, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("location API request failed",
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("%w: %w", model.ErrSuggestFailed, err)
	}
	defer resp.Body.Close()

	c.metrics.RecordUpstreamStatus("location", resp.StatusCode)

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("location API returned error status",
			slog.Int("http_status", resp.StatusCode),
		)
		return nil, fmt.Errorf("%w: location API returned status %d", model.ErrSuggestFailed, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response body: %w", model.ErrSuggestFailed, err)
	}

	var result suggestResponse
	if err := json.Unmarshal(body, &result); err != nil {
		c.logger.Error("failed to parse location API response",
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("%w: failed to parse response: %w", model.ErrSuggestFailed, err)
	}

	locations := make([]string, 0, len(result.Locations))
	for _, loc := range result.Locations {
		if c.sanitizer != nil {
			loc = c.sanitizer.Sanitize(loc)
		}
		if loc == "" {
			continue
		}
		locations = append(locations, loc)
	}

	return locations, nil
}
