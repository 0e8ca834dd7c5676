package search

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/petsearch/internal/credential"
	"github.com/hitoshi/petsearch/internal/model"
)

// event はループで処理する入力。
type event interface{}

// startEvent は検索開始シグナル。
type startEvent struct{}

// paramsEvent は検索条件の変更。
type paramsEvent struct {
	apply func(p *model.SearchParameters)
}

// refreshDoneEvent は認証情報の更新完了。
type refreshDoneEvent struct {
	cred *credential.Credential
	err  error
}

// searchDoneEvent は検索の完了。
type searchDoneEvent struct {
	seq       uint64
	requestID string
	results   json.RawMessage
	err       error
	elapsed   time.Duration
}

// handle は1つのイベントを処理する。ループgoroutineからのみ呼ばれる。
func (c *Coordinator) handle(ctx context.Context, ev event) {
	switch e := ev.(type) {
	case startEvent:
		if c.state == model.SearchStateIdle {
			c.state = model.SearchStateAwaitingCredential
			c.logger.Info("search session started")
		}
		c.evaluate(ctx)

	case paramsEvent:
		prev := c.params
		e.apply(&c.params)
		if c.params == prev {
			return
		}
		if c.params.Location != prev.Location {
			c.suggester.SetQuery(ctx, c.params.Location)
		}
		// セッション開始後の条件変更は自動的に再検索する。
		// 旧条件で実行中の検索結果は、再検索が認証待ちになっても採用しない。
		if c.state != model.SearchStateIdle {
			c.searchSeq++
			c.evaluate(ctx)
		}

	case refreshDoneEvent:
		c.refreshPending = false
		if e.err != nil {
			c.credErr = e.err
			c.logger.Warn("search deferred: credential unavailable",
				slog.String("error", e.err.Error()),
			)
			return
		}
		if !credential.IsValid(e.cred, c.now()) {
			c.credErr = fmt.Errorf("%w: credential expired on arrival", model.ErrCredentialUnavailable)
			c.logger.Warn("search deferred: refreshed credential already expired",
				slog.Time("expires_at", e.cred.ExpiresAt),
			)
			return
		}
		c.credErr = nil
		c.evaluate(ctx)

	case searchDoneEvent:
		c.metrics.RecordSearch(e.err == nil)
		c.metrics.RecordSearchLatency(e.elapsed)

		if e.seq != c.searchSeq {
			c.logger.Debug("discarded superseded search result",
				slog.String("request_id", e.requestID),
				slog.Uint64("seq", e.seq),
				slog.Uint64("latest_seq", c.searchSeq),
			)
			return
		}

		if !c.refreshPending {
			c.state = model.SearchStateReady
		}
		if e.err != nil {
			c.searchErr = e.err
			c.logger.Error("search failed",
				slog.String("request_id", e.requestID),
				slog.String("error", e.err.Error()),
			)
			return
		}
		c.results = e.results
		c.searchErr = nil
		c.logger.Info("search completed",
			slog.String("request_id", e.requestID),
			slog.Float64("duration_ms", float64(e.elapsed.Milliseconds())),
		)
	}
}

// evaluate は認証情報を検証し、有効なら検索を発行し、無効なら更新を開始する。
// 更新中の場合は何もしない。更新完了イベントで再度呼ばれる。
func (c *Coordinator) evaluate(ctx context.Context) {
	if c.refreshPending {
		c.state = model.SearchStateAwaitingCredential
		return
	}

	cred, ok := c.creds.Valid(c.now())
	if !ok {
		c.state = model.SearchStateAwaitingCredential
		c.refreshPending = true
		c.logger.Info("refreshing credential before search")

		go func() {
			cred, err := c.creds.Refresh(ctx)
			c.post(refreshDoneEvent{cred: cred, err: err})
		}()
		return
	}

	c.issueSearch(ctx, cred)
}

// issueSearch は発行時点で有効な認証情報を使って検索を発行する。
func (c *Coordinator) issueSearch(ctx context.Context, cred *credential.Credential) {
	params, err := c.params.Values()
	if err != nil {
		c.state = model.SearchStateReady
		c.searchErr = fmt.Errorf("%w: %w", model.ErrSearchFailed, err)
		return
	}

	c.searchSeq++
	seq := c.searchSeq
	requestID := uuid.NewString()
	token := cred.AccessToken
	resource := c.config.Resource

	c.state = model.SearchStateSearching
	c.logger.Info("issuing search",
		slog.String("request_id", requestID),
		slog.Uint64("seq", seq),
		slog.Any("params", params),
	)

	go func() {
		start := time.Now()
		results, err := c.api.Query(ctx, token, resource, params)
		c.post(searchDoneEvent{
			seq:       seq,
			requestID: requestID,
			results:   results,
			err:       err,
			elapsed:   time.Since(start),
		})
	}()
}
