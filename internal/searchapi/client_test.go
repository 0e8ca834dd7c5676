package searchapi

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/petsearch/internal/model"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func TestClient_Query_SendsBearerTokenAndParams(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("HTTPメソッド = %s, want GET", r.Method)
		}
		if r.URL.Path != "/v2/animals" {
			t.Errorf("path = %s, want /v2/animals", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok1" {
			t.Errorf("Authorization = %q, want %q", got, "Bearer tok1")
		}
		q := r.URL.Query()
		if len(q) != 2 {
			t.Errorf("query = %v, want 2 entries", q)
		}
		if q.Get("distance") != "100" || q.Get("type") != "dog" {
			t.Errorf("unexpected query: %v", q)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"animals":[{"id":1}]}`))
	}))
	defer server.Close()

	var buf bytes.Buffer
	c := NewClient(server.Client(), server.URL+"/v2/", newTestLogger(&buf), nil)

	got, err := c.Query(context.Background(), "tok1", "animals", map[string]string{
		"distance": "100",
		"type":     "dog",
	})
	if err != nil {
		t.Fatalf("Query がエラーを返した: %v", err)
	}
	if string(got) != `{"animals":[{"id":1}]}` {
		t.Errorf("body = %s", got)
	}
}

func TestClient_Query_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	var buf bytes.Buffer
	c := NewClient(server.Client(), server.URL, newTestLogger(&buf), nil)

	_, err := c.Query(context.Background(), "expired", "animals", nil)
	if err == nil {
		t.Fatal("expected error for 401 response")
	}
	if !errors.Is(err, model.ErrSearchFailed) {
		t.Errorf("error should wrap ErrSearchFailed: %v", err)
	}
	if !bytes.Contains(buf.Bytes(), []byte(`"http_status":401`)) {
		t.Errorf("エラーステータスがログに記録されるべき: %s", buf.String())
	}
}

func TestClient_Query_InvalidJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>maintenance</html>`))
	}))
	defer server.Close()

	var buf bytes.Buffer
	c := NewClient(server.Client(), server.URL, newTestLogger(&buf), nil)

	_, err := c.Query(context.Background(), "tok", "animals", nil)
	if !errors.Is(err, model.ErrSearchFailed) {
		t.Errorf("error should wrap ErrSearchFailed: %v", err)
	}
}

func TestClient_Query_NetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	var buf bytes.Buffer
	c := NewClient(http.DefaultClient, url, newTestLogger(&buf), nil)

	_, err := c.Query(context.Background(), "tok", "animals", nil)
	if !errors.Is(err, model.ErrSearchFailed) {
		t.Errorf("error should wrap ErrSearchFailed: %v", err)
	}
}
