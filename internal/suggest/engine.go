// Package suggest はロケーション入力に追従するオートコンプリート候補の取得を提供する。
package suggest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/hitoshi/petsearch/internal/metrics"
	"github.com/hitoshi/petsearch/internal/model"
)

// minQueryLength を超える文字数の入力でのみ候補を取得する。
const minQueryLength = 2

// LocationAPI はロケーション候補APIのインターフェース。
// テスト時にモックに差し替え可能。
type LocationAPI interface {
	Suggest(ctx context.Context, partial string, lat, lon float64) ([]string, error)
}

// Engine はロケーション入力の変化に応じて候補を取得し、最新の結果を保持する。
// 取得は非同期で行い、最後に発行したリクエストの結果だけが候補を更新できる。
type Engine struct {
	api     LocationAPI
	logger  *slog.Logger
	metrics metrics.MetricsCollector
	limiter *rate.Limiter

	mu          sync.Mutex
	coordinate  *model.Coordinate
	suggestions []string
	lastErr     error
	issued      uint64
	onChange    func()
	// superseded は最新の取得が発行されたときに閉じられる。待機中の古い取得はこれを見て送信をやめる。
	superseded chan struct{}

	inflight sync.WaitGroup
}

// Option はEngineの任意設定。
type Option func(*Engine)

// WithRateLimit は候補取得の送信間隔をratePerSecond・burstで制限する。
// ratePerSecondが0以下の場合は制限しない。
// 待機中に新しい入力が来た取得は送信せず、確保した枠を返却する。
func WithRateLimit(ratePerSecond float64, burst int) Option {
	return func(e *Engine) {
		if ratePerSecond <= 0 {
			e.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(ratePerSecond), burst)
	}
}

// NewEngine はEngineの新しいインスタンスを生成する。
func NewEngine(api LocationAPI, logger *slog.Logger, collector metrics.MetricsCollector, opts ...Option) *Engine {
	if collector == nil {
		collector = metrics.NewNopCollector()
	}
	e := &Engine{
		api:         api,
		logger:      logger,
		metrics:     collector,
		suggestions: []string{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// OnChange は候補またはエラーが更新されたときに呼ばれる関数を登録する。
func (e *Engine) OnChange(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onChange = fn
}

// SetCoordinate は基準座標を設定する。複数回呼ばれた場合は最後の値が有効になる。
func (e *Engine) SetCoordinate(c model.Coordinate) {
	e.mu.Lock()
	e.coordinate = &c
	e.mu.Unlock()

	e.logger.Info("reference coordinate delivered",
		slog.Float64("latitude", c.Latitude),
		slog.Float64("longitude", c.Longitude),
	)
}

// Coordinate は設定済みの基準座標を返す。未設定の場合はfalse。
func (e *Engine) Coordinate() (model.Coordinate, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.coordinate == nil {
		return model.Coordinate{}, false
	}
	return *e.coordinate, true
}

// SetQuery はロケーション入力の変更を受け取り、条件を満たせば候補取得を発行する。
// 入力が2文字以下、または基準座標が未設定の場合は何もせず、既存の候補も消さない。
// 候補取得を発行した場合はtrueを返す。
func (e *Engine) SetQuery(ctx context.Context, query string) bool {
	e.mu.Lock()
	if utf8.RuneCountInString(query) <= minQueryLength || e.coordinate == nil {
		e.mu.Unlock()
		return false
	}
	e.issued++
	seq := e.issued
	coord := *e.coordinate
	if e.superseded != nil {
		close(e.superseded)
	}
	e.superseded = make(chan struct{})
	superseded := e.superseded
	e.mu.Unlock()

	e.metrics.RecordSuggestIssued()
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		if err := e.awaitTurn(ctx, superseded); err != nil {
			e.complete(seq, query, nil, err)
			return
		}
		locations, err := e.api.Suggest(ctx, query, coord.Latitude, coord.Longitude)
		e.complete(seq, query, locations, err)
	}()

	return true
}

// errSuperseded は送信前に新しい取得が発行されたことを表す。completeで破棄される。
var errSuperseded = fmt.Errorf("%w: superseded before sending", model.ErrSuggestFailed)

// awaitTurn はレート制限の枠を待つ。待機中にsupersededが閉じられた場合は
// 予約を取り消してerrSupersededを返す。
func (e *Engine) awaitTurn(ctx context.Context, superseded <-chan struct{}) error {
	if e.limiter == nil {
		return nil
	}

	r := e.limiter.Reserve()
	if !r.OK() {
		return fmt.Errorf("%w: rate limit burst exceeded", model.ErrSuggestFailed)
	}

	var wait <-chan time.Time
	if d := r.Delay(); d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		wait = timer.C
	} else {
		ready := make(chan time.Time)
		close(ready)
		wait = ready
	}

	// 新しい入力を優先して確認する
	select {
	case <-superseded:
		r.Cancel()
		return errSuperseded
	default:
	}

	select {
	case <-superseded:
		r.Cancel()
		return errSuperseded
	case <-ctx.Done():
		r.Cancel()
		return fmt.Errorf("%w: rate limiter: %w", model.ErrSuggestFailed, ctx.Err())
	case <-wait:
		return nil
	}
}

// complete は候補取得の完了を反映する。
// 完了順ではなく発行順で判定し、後続リクエストが発行済みなら結果を破棄する。
func (e *Engine) complete(seq uint64, query string, locations []string, err error) {
	e.mu.Lock()
	if seq != e.issued {
		e.mu.Unlock()
		e.metrics.RecordSuggestDiscarded()
		e.logger.Debug("discarded stale suggestions",
			slog.String("query", query),
			slog.Uint64("seq", seq),
		)
		return
	}

	if err != nil {
		e.lastErr = err
		e.metrics.RecordSuggestFailure()
		e.logger.Warn("suggestion lookup failed",
			slog.String("query", query),
			slog.String("error", err.Error()),
		)
	} else {
		e.suggestions = append([]string(nil), locations...)
		e.lastErr = nil
	}
	notify := e.onChange
	e.mu.Unlock()

	if notify != nil {
		notify()
	}
}

// Suggestions は現在の候補のコピーを返す。
func (e *Engine) Suggestions() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string{}, e.suggestions...)
}

// Err は最新の候補取得のエラーを返す。成功している場合はnil。
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// Wait は発行済みの候補取得がすべて完了するまで待つ。
func (e *Engine) Wait() {
	e.inflight.Wait()
}
