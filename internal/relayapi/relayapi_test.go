package relayapi_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/blukai/kingdomsnet/internal/ladder"
	"github.com/blukai/kingdomsnet/internal/relay"
	"github.com/blukai/kingdomsnet/internal/relayapi"
	"github.com/matryer/is"
)

type staticSessions []relay.Session

func (s staticSessions) Sessions() []relay.Session { return s }

func newAPI(t *testing.T, sessions staticSessions) *relayapi.API {
	t.Helper()
	store, err := ladder.Open(filepath.Join(t.TempDir(), "ladder.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return relayapi.New(sessions, store, nil)
}

func do(api *relayapi.API, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	return rec
}

func TestPing(t *testing.T) {
	is := is.New(t)
	api := newAPI(t, nil)

	rec := do(api, http.MethodGet, "/ping", "")
	is.Equal(rec.Code, http.StatusOK)
	is.True(strings.Contains(rec.Body.String(), `"ok"`))
}

func TestSessions(t *testing.T) {
	is := is.New(t)
	api := newAPI(t, staticSessions{
		{Name: "Arena", Players: 2, MaxPlayers: 4, Addr: "10.0.0.1:19255", LastSeen: time.Unix(1000, 0)},
	})

	rec := do(api, http.MethodGet, "/sessions", "")
	is.Equal(rec.Code, http.StatusOK)

	var body struct {
		Sessions []relay.Session `json:"sessions"`
		Count    int             `json:"count"`
	}
	is.NoErr(json.Unmarshal(rec.Body.Bytes(), &body))
	is.Equal(body.Count, 1)
	is.Equal(body.Sessions[0].Name, "Arena")
	is.Equal(body.Sessions[0].MaxPlayers, 4)
	is.Equal(body.Sessions[0].Addr, "10.0.0.1:19255")
}

func TestLadder(t *testing.T) {
	is := is.New(t)
	api := newAPI(t, nil)

	rec := do(api, http.MethodGet, "/ladder", "")
	is.Equal(rec.Code, http.StatusOK)
	is.Equal(strings.TrimSpace(rec.Body.String()), `{"ladder":[]}`)

	rec = do(api, http.MethodPost, "/ladder/results", `{"winner":"Alice","losers":["Bob"]}`)
	is.Equal(rec.Code, http.StatusCreated)
	rec = do(api, http.MethodPost, "/ladder/results", `{"winner":"Carol","losers":["Bob"]}`)
	is.Equal(rec.Code, http.StatusCreated)

	rec = do(api, http.MethodGet, "/ladder?n=2", "")
	is.Equal(rec.Code, http.StatusOK)
	var body struct {
		Ladder []ladder.Entry `json:"ladder"`
	}
	is.NoErr(json.Unmarshal(rec.Body.Bytes(), &body))
	is.Equal(body.Ladder, []ladder.Entry{
		{Name: "Alice", Wins: 1, Score: 10},
		{Name: "Carol", Wins: 1, Score: 10},
	})
}

func TestBadRequests(t *testing.T) {
	api := newAPI(t, nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		code   int
	}{
		{"bad n", http.MethodGet, "/ladder?n=zero", "", http.StatusBadRequest},
		{"negative n", http.MethodGet, "/ladder?n=-1", "", http.StatusBadRequest},
		{"not json", http.MethodPost, "/ladder/results", "winner", http.StatusBadRequest},
		{"no losers", http.MethodPost, "/ladder/results", `{"winner":"Alice"}`, http.StatusBadRequest},
		{"unknown route", http.MethodGet, "/nope", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			is := is.New(t)
			rec := do(api, tt.method, tt.path, tt.body)
			is.Equal(rec.Code, tt.code)
		})
	}
}
