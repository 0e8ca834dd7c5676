// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// コーディネーターが外部に公開するエラー分類。
// いずれも自動リトライされず、次のトリガーで再試行される。
var (
	// ErrCredentialUnavailable は認証情報の取得に失敗したことを表す。
	ErrCredentialUnavailable = errors.New("credential unavailable")
	// ErrSearchFailed は検索APIの呼び出しに失敗したことを表す。
	ErrSearchFailed = errors.New("search failed")
	// ErrSuggestFailed はロケーション候補の取得に失敗したことを表す。
	ErrSuggestFailed = errors.New("suggest failed")
	// ErrInvalidParameter は検索条件の値またはキーが不正であることを表す。
	ErrInvalidParameter = errors.New("invalid search parameter")
	// ErrUnavailable はコーディネーターが停止しており入力を受け付けられないことを表す。
	ErrUnavailable = errors.New("service unavailable")
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, search, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeCredentialUnavailable = "CREDENTIAL_UNAVAILABLE"
	ErrCodeSearchFailed          = "SEARCH_FAILED"
	ErrCodeSuggestFailed         = "SUGGEST_FAILED"
	ErrCodeInvalidRequest        = "INVALID_REQUEST"
	ErrCodeNotFound              = "NOT_FOUND"
	ErrCodeRateLimited           = "RATE_LIMITED"
	ErrCodeUnavailable           = "SERVICE_UNAVAILABLE"
	ErrCodeInternal              = "INTERNAL_ERROR"
)

// NewCredentialUnavailableError は認証情報取得失敗エラーを生成する。
func NewCredentialUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeCredentialUnavailable,
		Message:  "検索APIの認証情報を取得できませんでした。検索は保留されています。",
		Category: "auth",
		Action:   "しばらく待ってから再度検索を開始してください。",
	}
}

// NewSearchFailedError は検索失敗エラーを生成する。
func NewSearchFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeSearchFailed,
		Message:  "検索に失敗しました。",
		Category: "search",
		Action:   "検索条件を確認し、再度検索してください。",
	}
}

// NewSuggestFailedError はロケーション候補取得失敗エラーを生成する。
func NewSuggestFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeSuggestFailed,
		Message:  "ロケーション候補の取得に失敗しました。",
		Category: "search",
		Action:   "入力を続けると候補の取得を再試行します。",
	}
}

// NewInvalidRequestError はリクエスト不正エラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("無効なリクエストです: %s", reason),
		Category: "validation",
		Action:   "リクエストボディの形式を確認してください。",
	}
}

// NewNotFoundError は未定義エンドポイントへのアクセスエラーを生成する。
func NewNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeNotFound,
		Message:  "指定されたエンドポイントは存在しません。",
		Category: "validation",
		Action:   "URLを確認してください。",
	}
}

// NewRateLimitedError はレート制限超過エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "Retry-Afterヘッダーの秒数だけ待ってから再度お試しください。",
	}
}

// NewUnavailableError はサービス停止中エラーを生成する。
func NewUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeUnavailable,
		Message:  "検索サービスは停止しています。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewInternalError は内部エラーを生成する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// APIErrorFor はerrorを分類し、対応するAPIErrorを返す。
// nilの場合はnilを返す。分類できないエラーは内部エラーとして扱う。
func APIErrorFor(err error) *APIError {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrCredentialUnavailable):
		return NewCredentialUnavailableError()
	case errors.Is(err, ErrSearchFailed):
		return NewSearchFailedError()
	case errors.Is(err, ErrSuggestFailed):
		return NewSuggestFailedError()
	case errors.Is(err, ErrInvalidParameter):
		return NewInvalidRequestError(err.Error())
	case errors.Is(err, ErrUnavailable):
		return NewUnavailableError()
	default:
		return NewInternalError()
	}
}
