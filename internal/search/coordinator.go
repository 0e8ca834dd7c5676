// Package search は検索セッションのステートマシンを提供する。
//
// Coordinatorは「検索開始」「認証情報の更新完了」「検索条件の変更」の各イベントを
// 単一のgoroutineで順に処理し、有効な認証情報を確認してから検索を発行する。
// ネットワーク呼び出しは別goroutineで実行し、完了はイベントとしてループに戻す。
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/petsearch/internal/credential"
	"github.com/hitoshi/petsearch/internal/metrics"
	"github.com/hitoshi/petsearch/internal/model"
)

// ErrStopped はループ停止後にCoordinatorへ入力を送った場合に返される。
var ErrStopped = fmt.Errorf("search coordinator stopped: %w", model.ErrUnavailable)

// API は検索APIのインターフェース。
type API interface {
	Query(ctx context.Context, accessToken, resource string, params map[string]string) (json.RawMessage, error)
}

// CredentialSource は認証情報ストアのインターフェース。
type CredentialSource interface {
	Valid(now time.Time) (*credential.Credential, bool)
	Refresh(ctx context.Context) (*credential.Credential, error)
}

// Suggester はロケーション候補エンジンのインターフェース。
type Suggester interface {
	SetQuery(ctx context.Context, query string) bool
	SetCoordinate(c model.Coordinate)
	Coordinate() (model.Coordinate, bool)
	Suggestions() []string
	Err() error
	OnChange(fn func())
}

// Config はCoordinatorの設定。
type Config struct {
	// Resource は検索APIのリソース名（例: "animals"）。
	Resource string
	// DefaultDistance は検索条件の距離の初期値。
	DefaultDistance int
}

// Snapshot は表示層に公開する読み取り専用の状態。
type Snapshot struct {
	State         model.SearchState
	Session       model.SessionState
	Parameters    model.SearchParameters
	Results       json.RawMessage
	Suggestions   []string
	HasLocation   bool
	SearchErr     error
	CredentialErr error
	SuggestErr    error
}

// Coordinator は検索セッションのステートマシン。
type Coordinator struct {
	api       API
	creds     CredentialSource
	suggester Suggester
	logger    *slog.Logger
	metrics   metrics.MetricsCollector
	config    Config
	now       func() time.Time

	events chan event
	done   chan struct{}

	// 以下はループgoroutineのみが読み書きする
	state          model.SearchState
	params         model.SearchParameters
	refreshPending bool
	searchSeq      uint64
	results        json.RawMessage
	searchErr      error
	credErr        error

	mu        sync.RWMutex
	published Snapshot
	subs      map[chan struct{}]struct{}
}

// NewCoordinator はCoordinatorの新しいインスタンスを生成する。
// イベント処理を開始するにはRunを呼び出す。
func NewCoordinator(
	api API,
	creds CredentialSource,
	suggester Suggester,
	logger *slog.Logger,
	collector metrics.MetricsCollector,
	config Config,
) *Coordinator {
	if collector == nil {
		collector = metrics.NewNopCollector()
	}
	c := &Coordinator{
		api:       api,
		creds:     creds,
		suggester: suggester,
		logger:    logger,
		metrics:   collector,
		config:    config,
		now:       time.Now,
		events:    make(chan event, 64),
		done:      make(chan struct{}),
		state:     model.SearchStateIdle,
		params:    model.DefaultSearchParameters(config.DefaultDistance),
		subs:      make(map[chan struct{}]struct{}),
	}
	c.publishState()
	suggester.OnChange(c.notify)
	return c
}

// Run はイベントループを実行する。ctxがキャンセルされるまでブロックする。
// 実行中のネットワーク呼び出しにもctxが渡される。
func (c *Coordinator) Run(ctx context.Context) {
	defer close(c.done)

	c.logger.Info("search coordinator started",
		slog.String("resource", c.config.Resource),
	)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("search coordinator stopped")
			return
		case ev := <-c.events:
			c.handle(ctx, ev)
			c.publishState()
		}
	}
}

// StartSearch は検索開始シグナルを送る。
// セッションがActiveの場合は、検証してから検索する手順を再実行する。
func (c *Coordinator) StartSearch() error {
	return c.post(startEvent{})
}

// SetSearchLocation はロケーション入力を更新する。
// 候補エンジンにも入力変更として通知される。
func (c *Coordinator) SetSearchLocation(location string) error {
	return c.post(paramsEvent{apply: func(p *model.SearchParameters) {
		p.Location = location
	}})
}

// SetDistance は検索半径を更新する。0は未指定として扱う。
func (c *Coordinator) SetDistance(distance int) error {
	if distance < 0 {
		return fmt.Errorf("%w: distance must not be negative: %d", model.ErrInvalidParameter, distance)
	}
	return c.post(paramsEvent{apply: func(p *model.SearchParameters) {
		p.Distance = distance
	}})
}

// SetType は動物の種類を更新する。空文字は未指定として扱う。
func (c *Coordinator) SetType(animalType string) error {
	return c.post(paramsEvent{apply: func(p *model.SearchParameters) {
		p.Type = animalType
	}})
}

// SetFilter は任意フィルタを更新する。未知のキーの場合はエラーを返す。
func (c *Coordinator) SetFilter(key, value string) error {
	if _, err := (model.SearchParameters{}).WithFilter(key, value); err != nil {
		return err
	}
	return c.post(paramsEvent{apply: func(p *model.SearchParameters) {
		*p, _ = p.WithFilter(key, value)
	}})
}

// UpdateParameters は複数の検索条件を1回の変更としてまとめて適用する。
// セッションがActiveの場合、再検索は1回だけ発行される。
func (c *Coordinator) UpdateParameters(update model.ParameterUpdate) error {
	if err := update.Validate(); err != nil {
		return err
	}
	return c.post(paramsEvent{apply: func(p *model.SearchParameters) {
		*p, _ = update.Apply(*p)
	}})
}

// Ping はイベントループが稼働中かを返す。ヘルスチェック用。
func (c *Coordinator) Ping(ctx context.Context) error {
	select {
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// DeliverLocation は外部の位置情報サービスから基準座標を受け取る。
// 何度呼ばれても良く、最後の値が有効になる。
func (c *Coordinator) DeliverLocation(coord model.Coordinate) {
	c.suggester.SetCoordinate(coord)
	c.mu.Lock()
	c.published.HasLocation = true
	c.mu.Unlock()
	c.notify()
}

// Snapshot は現在の公開状態を返す。
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.RLock()
	s := c.published
	c.mu.RUnlock()

	s.Suggestions = c.suggester.Suggestions()
	s.SuggestErr = c.suggester.Err()
	return s
}

// Subscribe は状態変更の通知を受け取るチャネルを返す。
// 通知は合流されるため、受信後にSnapshotで最新状態を読むこと。
// 返される関数で購読を解除する。
func (c *Coordinator) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	c.mu.Lock()
	c.subs[ch] = struct{}{}
	c.mu.Unlock()

	return ch, func() {
		c.mu.Lock()
		delete(c.subs, ch)
		c.mu.Unlock()
	}
}

// post はイベントをループに送る。ループ停止後はErrStoppedを返す。
func (c *Coordinator) post(ev event) error {
	select {
	case <-c.done:
		return ErrStopped
	default:
	}

	select {
	case c.events <- ev:
		return nil
	case <-c.done:
		return ErrStopped
	}
}

// publishState はループ所有の状態を公開用スナップショットに反映し、購読者に通知する。
func (c *Coordinator) publishState() {
	_, hasLocation := c.suggester.Coordinate()

	c.mu.Lock()
	c.published = Snapshot{
		State:         c.state,
		Session:       c.state.Session(),
		Parameters:    c.params,
		Results:       c.results,
		HasLocation:   hasLocation,
		SearchErr:     c.searchErr,
		CredentialErr: c.credErr,
	}
	c.mu.Unlock()

	c.notify()
}

// notify は購読者に非ブロッキングで通知する。
func (c *Coordinator) notify() {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for ch := range c.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
