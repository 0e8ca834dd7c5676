// Package credential は検索APIのベアラー認証情報の取得とキャッシュを提供する。
package credential

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/petsearch/internal/metrics"
	"github.com/hitoshi/petsearch/internal/model"
)

// Credential はアクセストークンと絶対時刻の有効期限の組。
// 更新時は丸ごと差し替え、フィールド単位でマージしない。
type Credential struct {
	AccessToken string
	ExpiresAt   time.Time
}

// Grant はプロバイダーが返すトークンと残り有効秒数。
type Grant struct {
	AccessToken      string
	ExpiresInSeconds int64
}

// Provider は認証情報を取得する外部プロバイダーのインターフェース。
// テスト時にモックに差し替え可能。
type Provider interface {
	Acquire(ctx context.Context) (Grant, error)
}

// IsValid は認証情報が存在し、nowが有効期限より前である場合にtrueを返す。
func IsValid(c *Credential, now time.Time) bool {
	return c != nil && now.Before(c.ExpiresAt)
}

// Store は現在の認証情報を保持し、必要に応じて更新する。
// 読み手は常に完全な旧Credentialか新Credentialのどちらかを観測する。
type Store struct {
	provider Provider
	logger   *slog.Logger
	metrics  metrics.MetricsCollector
	now      func() time.Time

	current atomic.Pointer[Credential]
	group   singleflight.Group
}

// NewStore はStoreの新しいインスタンスを生成する。
func NewStore(provider Provider, logger *slog.Logger, collector metrics.MetricsCollector) *Store {
	if collector == nil {
		collector = metrics.NewNopCollector()
	}
	return &Store{
		provider: provider,
		logger:   logger,
		metrics:  collector,
		now:      time.Now,
	}
}

// Current は現在保持している認証情報を返す。未取得の場合はnil。
func (s *Store) Current() *Credential {
	return s.current.Load()
}

// Valid は現在の認証情報がnow時点で有効であればそれを返す。
func (s *Store) Valid(now time.Time) (*Credential, bool) {
	c := s.current.Load()
	if !IsValid(c, now) {
		return nil, false
	}
	return c, true
}

// maxExpiresInSeconds はtime.Durationで表せる残り秒数の上限。
const maxExpiresInSeconds = int64(math.MaxInt64 / int64(time.Second))

// SetClock は現在時刻の取得関数を差し替える。テスト用。
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Refresh はプロバイダーから新しい認証情報を取得して保存する。
// 残り秒数はここで一度だけ絶対時刻に変換する。
// 同時に呼ばれた場合はプロバイダー呼び出しを1回にまとめる。
// まとめられた取得は呼び出し元のキャンセルに影響されない。ctxが先に終了した
// 呼び出し元にはエラーを返すが、取得自体は継続し、成功すれば保存される。
// 失敗時は何も保存せず、ErrCredentialUnavailableをラップしたエラーを返す。
func (s *Store) Refresh(ctx context.Context) (*Credential, error) {
	ch := s.group.DoChan("refresh", func() (interface{}, error) {
		return s.acquire(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			s.logger.Debug("credential refresh coalesced")
		}
		return res.Val.(*Credential), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", model.ErrCredentialUnavailable, ctx.Err())
	}
}

func (s *Store) acquire(ctx context.Context) (*Credential, error) {
	grant, err := s.provider.Acquire(ctx)
	if err != nil {
		s.metrics.RecordCredentialRefresh(false)
		s.logger.Error("failed to acquire credential",
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("%w: %w", model.ErrCredentialUnavailable, err)
	}
	if grant.ExpiresInSeconds <= 0 || grant.ExpiresInSeconds > maxExpiresInSeconds {
		s.metrics.RecordCredentialRefresh(false)
		s.logger.Error("credential expires_in out of range",
			slog.Int64("expires_in", grant.ExpiresInSeconds),
		)
		return nil, fmt.Errorf("%w: expires_in out of range: %d", model.ErrCredentialUnavailable, grant.ExpiresInSeconds)
	}

	c := &Credential{
		AccessToken: grant.AccessToken,
		ExpiresAt:   s.now().Add(time.Duration(grant.ExpiresInSeconds) * time.Second),
	}
	s.current.Store(c)
	s.metrics.RecordCredentialRefresh(true)

	s.logger.Info("credential refreshed",
		slog.Time("expires_at", c.ExpiresAt),
	)
	return c, nil
}

// Token は有効な認証情報を返す。期限切れまたは未取得の場合は更新する。
func (s *Store) Token(ctx context.Context) (*Credential, error) {
	if c, ok := s.Valid(s.now()); ok {
		return c, nil
	}
	return s.Refresh(ctx)
}
