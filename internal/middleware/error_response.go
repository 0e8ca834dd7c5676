package middleware

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hitoshi/petsearch/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// 原因カテゴリと対処方法を含む。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// NewErrorResponseBody はAPIErrorをレスポンスボディに変換する。nilの場合はnilを返す。
func NewErrorResponseBody(apiErr *model.APIError) *ErrorResponseBody {
	if apiErr == nil {
		return nil
	}
	return &ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	}
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
// すべてのAPIエンドポイントで一貫したエラーレスポンスを提供する。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(NewErrorResponseBody(apiErr))
}

// WriteError はerrorを分類し、対応するステータスコードで統一エラーレスポンスを書き込む。
func WriteError(w http.ResponseWriter, err error) {
	apiErr := model.APIErrorFor(err)

	var direct *model.APIError
	if errors.As(err, &direct) {
		apiErr = direct
	}

	WriteErrorResponse(w, StatusFor(apiErr), apiErr)
}

// StatusFor はAPIErrorのコードに対応するHTTPステータスを返す。
func StatusFor(apiErr *model.APIError) int {
	if apiErr == nil {
		return http.StatusOK
	}
	switch apiErr.Code {
	case model.ErrCodeInvalidRequest:
		return http.StatusBadRequest
	case model.ErrCodeNotFound:
		return http.StatusNotFound
	case model.ErrCodeCredentialUnavailable, model.ErrCodeSearchFailed, model.ErrCodeSuggestFailed:
		return http.StatusBadGateway
	case model.ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	case model.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, model.NewInternalError())
}
