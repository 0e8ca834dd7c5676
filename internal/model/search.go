package model

import (
	"fmt"

	"github.com/google/go-querystring/query"
)

// DefaultDistance は検索半径のデフォルト値（マイル）。
const DefaultDistance = 100

// SearchParameters は検索APIに渡す検索条件を表す。
// 空文字列・ゼロ値の項目は「未指定」としてシリアライズ時に除外される。
// APIは未指定と空文字の指定を区別するため、空値を送ってはならない。
type SearchParameters struct {
	Location string `json:"location" url:"location,omitempty"`
	Distance int    `json:"distance" url:"distance,omitempty"`
	Type     string `json:"type" url:"type,omitempty"`

	// 任意フィルタ
	Breed  string `json:"breed,omitempty" url:"breed,omitempty"`
	Age    string `json:"age,omitempty" url:"age,omitempty"`
	Gender string `json:"gender,omitempty" url:"gender,omitempty"`
	Size   string `json:"size,omitempty" url:"size,omitempty"`
}

// DefaultSearchParameters は初期状態の検索条件を返す。
// ロケーションとタイプは空、距離はdistanceとする。
func DefaultSearchParameters(distance int) SearchParameters {
	return SearchParameters{Distance: distance}
}

// Values は検索条件をAPIリクエスト用のマップに変換する。
// 値が空の項目は含めない。
func (p SearchParameters) Values() (map[string]string, error) {
	v, err := query.Values(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode search parameters: %w", err)
	}

	params := make(map[string]string, len(v))
	for key, vals := range v {
		if len(vals) == 0 || vals[0] == "" {
			continue
		}
		params[key] = vals[0]
	}
	return params, nil
}

// WithFilter は任意フィルタを1つ差し替えた検索条件を返す。
// 未知のキーの場合はエラーを返す。
func (p SearchParameters) WithFilter(key, value string) (SearchParameters, error) {
	switch key {
	case "location":
		p.Location = value
	case "type":
		p.Type = value
	case "breed":
		p.Breed = value
	case "age":
		p.Age = value
	case "gender":
		p.Gender = value
	case "size":
		p.Size = value
	default:
		return p, fmt.Errorf("%w: unknown filter %q", ErrInvalidParameter, key)
	}
	return p, nil
}

// ParameterUpdate は検索条件の部分更新を表す。nilの項目は変更しない。
type ParameterUpdate struct {
	Location *string `json:"location,omitempty"`
	Distance *int    `json:"distance,omitempty"`
	Type     *string `json:"type,omitempty"`
	Breed    *string `json:"breed,omitempty"`
	Age      *string `json:"age,omitempty"`
	Gender   *string `json:"gender,omitempty"`
	Size     *string `json:"size,omitempty"`
}

// Validate は更新内容を検証する。
func (u ParameterUpdate) Validate() error {
	if u.Distance != nil && *u.Distance < 0 {
		return fmt.Errorf("%w: distance must not be negative: %d", ErrInvalidParameter, *u.Distance)
	}
	return nil
}

// Apply は更新内容を適用した検索条件を返す。
func (u ParameterUpdate) Apply(p SearchParameters) (SearchParameters, error) {
	if err := u.Validate(); err != nil {
		return p, err
	}
	if u.Location != nil {
		p.Location = *u.Location
	}
	if u.Distance != nil {
		p.Distance = *u.Distance
	}
	if u.Type != nil {
		p.Type = *u.Type
	}
	if u.Breed != nil {
		p.Breed = *u.Breed
	}
	if u.Age != nil {
		p.Age = *u.Age
	}
	if u.Gender != nil {
		p.Gender = *u.Gender
	}
	if u.Size != nil {
		p.Size = *u.Size
	}
	return p, nil
}

// Coordinate はユーザーの基準座標を表す。
// 複数回受信した場合は最後に受信した値が有効になる。
type Coordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// SessionState は検索セッションの状態を表す。
type SessionState string

const (
	// SessionIdle は検索開始前の状態。
	SessionIdle SessionState = "idle"
	// SessionActive は明示的な検索開始後の状態。自動ではIdleに戻らない。
	SessionActive SessionState = "active"
)

// SearchState はSearchCoordinatorのステートマシンの状態を表す。
type SearchState string

const (
	SearchStateIdle               SearchState = "idle"
	SearchStateAwaitingCredential SearchState = "awaiting_credential"
	SearchStateReady              SearchState = "ready"
	SearchStateSearching          SearchState = "searching"
)

// Session は検索セッションの状態を表す。
func (s SearchState) Session() SessionState {
	if s == SearchStateIdle {
		return SessionIdle
	}
	return SessionActive
}
