package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/hitoshi/petsearch/internal/middleware"
	"github.com/hitoshi/petsearch/internal/model"
	"github.com/hitoshi/petsearch/internal/search"
)

// maxRequestBodySize はリクエストボディの上限（64KB）。
const maxRequestBodySize = 64 << 10

// maxWait はロングポーリングで待機できる最大時間。
const maxWait = 30 * time.Second

// SearchServiceInterface は検索ハンドラーが必要とするコーディネーターのインターフェース。
type SearchServiceInterface interface {
	// StartSearch は検索開始シグナルを送る。
	StartSearch() error
	// SetSearchLocation はロケーション入力を更新する。
	SetSearchLocation(location string) error
	// UpdateParameters は検索条件をまとめて更新する。
	UpdateParameters(update model.ParameterUpdate) error
	// DeliverLocation は基準座標を受け取る。
	DeliverLocation(coord model.Coordinate)
	// Snapshot は現在の公開状態を返す。
	Snapshot() search.Snapshot
	// Subscribe は状態変更の通知チャネルを返す。
	Subscribe() (<-chan struct{}, func())
}

// SearchHandler は検索セッションのHTTPハンドラー。
type SearchHandler struct {
	service SearchServiceInterface
	logger  *slog.Logger
}

// NewSearchHandler はSearchHandlerを生成する。
func NewSearchHandler(service SearchServiceInterface, logger *slog.Logger) *SearchHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SearchHandler{
		service: service,
		logger:  logger,
	}
}

// locationRequest はロケーション入力更新リクエストのボディ。
type locationRequest struct {
	Location *string `json:"location"`
}

// coordinateRequest は基準座標通知リクエストのボディ。
type coordinateRequest struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

// snapshotErrors は直近のエラーを分類ごとに保持する。
type snapshotErrors struct {
	Credential *middleware.ErrorResponseBody `json:"credential,omitempty"`
	Search     *middleware.ErrorResponseBody `json:"search,omitempty"`
	Suggest    *middleware.ErrorResponseBody `json:"suggest,omitempty"`
}

// snapshotResponse は検索セッション状態のAPIレスポンス。
type snapshotResponse struct {
	State       model.SearchState      `json:"state"`
	Session     model.SessionState     `json:"session"`
	Parameters  model.SearchParameters `json:"parameters"`
	Results     json.RawMessage        `json:"results,omitempty"`
	Suggestions []string               `json:"suggestions"`
	HasLocation bool                   `json:"has_location"`
	Errors      snapshotErrors         `json:"errors"`
}

// suggestionsResponse はロケーション候補のAPIレスポンス。
type suggestionsResponse struct {
	Suggestions []string                      `json:"suggestions"`
	Error       *middleware.ErrorResponseBody `json:"error,omitempty"`
}

func newSnapshotResponse(s search.Snapshot) snapshotResponse {
	suggestions := s.Suggestions
	if suggestions == nil {
		suggestions = []string{}
	}
	return snapshotResponse{
		State:       s.State,
		Session:     s.Session,
		Parameters:  s.Parameters,
		Results:     s.Results,
		Suggestions: suggestions,
		HasLocation: s.HasLocation,
		Errors: snapshotErrors{
			Credential: middleware.NewErrorResponseBody(model.APIErrorFor(s.CredentialErr)),
			Search:     middleware.NewErrorResponseBody(model.APIErrorFor(s.SearchErr)),
			Suggest:    middleware.NewErrorResponseBody(model.APIErrorFor(s.SuggestErr)),
		},
	}
}

// StartSearch は検索セッションを開始する。開始済みの場合は検証してから再検索する。
// POST /api/search/start
func (h *SearchHandler) StartSearch(w http.ResponseWriter, r *http.Request) {
	if err := h.service.StartSearch(); err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeSnapshot(w, http.StatusAccepted)
}

// SetLocation はロケーション入力を更新する。候補の取得は非同期に行われる。
// PUT /api/search/location
func (h *SearchHandler) SetLocation(w http.ResponseWriter, r *http.Request) {
	var req locationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Location == nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("location is required"))
		return
	}

	if err := h.service.SetSearchLocation(*req.Location); err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeSnapshot(w, http.StatusAccepted)
}

// UpdateParameters は検索条件を部分更新する。セッション開始後であれば再検索される。
// PUT /api/search/parameters
func (h *SearchHandler) UpdateParameters(w http.ResponseWriter, r *http.Request) {
	var req model.ParameterUpdate
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.service.UpdateParameters(req); err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeSnapshot(w, http.StatusAccepted)
}

// GetSearch は検索セッションの現在の状態を返す。
// waitクエリ（例: ?wait=10s）を指定すると、状態が変わるまで最大その時間だけ待ってから返す。
// GET /api/search
func (h *SearchHandler) GetSearch(w http.ResponseWriter, r *http.Request) {
	if raw := r.URL.Query().Get("wait"); raw != "" {
		wait, err := time.ParseDuration(raw)
		if err != nil || wait < 0 {
			middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("wait must be a non-negative duration"))
			return
		}
		h.waitForChange(r.Context(), min(wait, maxWait))
	}
	h.writeSnapshot(w, http.StatusOK)
}

// GetSuggestions は最新のロケーション候補を返す。
// GET /api/suggestions
func (h *SearchHandler) GetSuggestions(w http.ResponseWriter, r *http.Request) {
	s := h.service.Snapshot()

	suggestions := s.Suggestions
	if suggestions == nil {
		suggestions = []string{}
	}

	writeJSON(w, http.StatusOK, suggestionsResponse{
		Suggestions: suggestions,
		Error:       middleware.NewErrorResponseBody(model.APIErrorFor(s.SuggestErr)),
	})
}

// DeliverLocation は位置情報サービスから得た基準座標を受け取る。
// POST /api/location
func (h *SearchHandler) DeliverLocation(w http.ResponseWriter, r *http.Request) {
	var req coordinateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Latitude == nil || req.Longitude == nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("latitude and longitude are required"))
		return
	}
	if !validCoordinate(*req.Latitude, *req.Longitude) {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("coordinate is out of range"))
		return
	}

	h.service.DeliverLocation(model.Coordinate{
		Latitude:  *req.Latitude,
		Longitude: *req.Longitude,
	})
	w.WriteHeader(http.StatusNoContent)
}

// waitForChange は状態変更の通知、タイムアウト、リクエストのキャンセルのいずれかまで待つ。
func (h *SearchHandler) waitForChange(ctx context.Context, wait time.Duration) {
	if wait <= 0 {
		return
	}
	ch, unsubscribe := h.service.Subscribe()
	defer unsubscribe()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ch:
	case <-timer.C:
	case <-ctx.Done():
	}
}

func (h *SearchHandler) writeSnapshot(w http.ResponseWriter, status int) {
	writeJSON(w, status, newSnapshotResponse(h.service.Snapshot()))
}

// writeServiceError はコーディネーターから返されたエラーを統一フォーマットで書き込む。
func (h *SearchHandler) writeServiceError(w http.ResponseWriter, err error) {
	if !errors.Is(err, model.ErrInvalidParameter) {
		h.logger.Error("search request failed", slog.String("error", err.Error()))
	}
	middleware.WriteError(w, err)
}

// decodeJSON はリクエストボディをvにデコードする。失敗時は400を書き込んでfalseを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		reason := "request body must be valid JSON"
		if errors.Is(err, io.EOF) {
			reason = "request body is empty"
		}
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError(reason))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func validCoordinate(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}
