package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/html5sync/html5sync/internal/config"
	"github.com/html5sync/html5sync/internal/database"
	"github.com/html5sync/html5sync/internal/syncer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	adapter := database.NewAdapter("sqlite")
	url := "sqlite://" + filepath.Join(t.TempDir(), "test.db")
	require.NoError(t, adapter.Connect(context.Background(), url))
	t.Cleanup(func() { adapter.Close() })

	require.NoError(t, adapter.Exec(context.Background(),
		`CREATE TABLE city (city_id INTEGER PRIMARY KEY, name varchar(40) NOT NULL)`))

	cfg := &config.Config{
		UpdateMode:  config.ModeTransactionsTable,
		RowsPerPage: 10,
		LockTimeout: 30000,
		Port:        8077,
		Tables: []config.TableConfig{
			{Name: "city", Mode: "unlock", Roles: []string{"role1"}},
		},
	}
	require.NoError(t, syncer.InstallTracking(context.Background(), cfg, adapter))
	return NewServer(cfg, adapter)
}

type identity struct {
	id   string
	role string
}

var role1User = identity{id: "1", role: "role1"}

func doRequest(t *testing.T, s *Server, who identity, method, target string, body interface{}) (*http.Response, Response) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("X-User-Id", who.id)
	req.Header.Set("X-User-Role", who.role)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.App().Test(req, -1)
	require.NoError(t, err)

	var envelope Response
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		json.Unmarshal(raw, &envelope)
	}
	return resp, envelope
}

func poll(t *testing.T, s *Server, who identity) PollResponse {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/sync", nil)
	req.Header.Set("X-User-Id", who.id)
	req.Header.Set("X-User-Role", who.role)
	resp, err := s.App().Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result PollResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	return result
}

func TestGetTables(t *testing.T) {
	s := newTestServer(t)

	resp, envelope := doRequest(t, s, role1User, http.MethodGet, "/api/tables", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, envelope.Success)

	tables, ok := envelope.Data.([]interface{})
	require.True(t, ok)
	require.Len(t, tables, 1)
	table := tables[0].(map[string]interface{})
	assert.Equal(t, "city", table["name"])
}

func TestPollReportsChanges(t *testing.T) {
	s := newTestServer(t)

	result := poll(t, s, role1User)
	assert.True(t, result.State)
	assert.False(t, result.ChangesInStructure)
	assert.False(t, result.ChangesInData)

	time.Sleep(5 * time.Millisecond)
	resp, envelope := doRequest(t, s, role1User, http.MethodPost, "/api/tables/city/rows",
		map[string]interface{}{"city_id": 1, "name": "Bogota"})
	require.Equal(t, http.StatusOK, resp.StatusCode, envelope.Message)

	assert.True(t, poll(t, s, role1User).ChangesInData)
}

func TestChangesEndpointAdvancesWatermark(t *testing.T) {
	s := newTestServer(t)

	// First contact creates the session; generate the change afterwards.
	poll(t, s, role1User)
	time.Sleep(5 * time.Millisecond)

	resp, envelope := doRequest(t, s, role1User, http.MethodPost, "/api/tables/city/rows",
		map[string]interface{}{"city_id": 1, "name": "Bogota"})
	require.Equal(t, http.StatusOK, resp.StatusCode, envelope.Message)

	resp, envelope = doRequest(t, s, role1User, http.MethodGet, "/api/changes", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	changes, ok := envelope.Data.([]interface{})
	require.True(t, ok)
	require.Len(t, changes, 1)
	tx := changes[0].(map[string]interface{})
	assert.Equal(t, "INSERT", tx["operation"])
	assert.Equal(t, "city", tx["table"])
	assert.Equal(t, "1", tx["key"])

	resp, envelope = doRequest(t, s, role1User, http.MethodGet, "/api/changes", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, envelope.Data)
}

func TestRowLifecycle(t *testing.T) {
	s := newTestServer(t)

	resp, envelope := doRequest(t, s, role1User, http.MethodPost, "/api/tables/city/rows",
		map[string]interface{}{"city_id": 1, "name": "Bogota"})
	require.Equal(t, http.StatusOK, resp.StatusCode, envelope.Message)

	resp, envelope = doRequest(t, s, role1User, http.MethodGet, "/api/tables/city/rows/1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	record := envelope.Data.(map[string]interface{})
	assert.Equal(t, "Bogota", record["name"])

	resp, envelope = doRequest(t, s, role1User, http.MethodPut, "/api/tables/city/rows",
		map[string]interface{}{"city_id": 1, "name": "Cali"})
	require.Equal(t, http.StatusOK, resp.StatusCode, envelope.Message)

	resp, envelope = doRequest(t, s, role1User, http.MethodGet, "/api/tables/city/rows?page=0", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page := envelope.Data.(map[string]interface{})
	assert.Equal(t, float64(1), page["total"])

	resp, _ = doRequest(t, s, role1User, http.MethodDelete, "/api/tables/city/rows/1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doRequest(t, s, role1User, http.MethodGet, "/api/tables/city/rows/1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWriteValidationFailuresAreBadRequests(t *testing.T) {
	s := newTestServer(t)

	resp, envelope := doRequest(t, s, role1User, http.MethodPost, "/api/tables/city/rows",
		map[string]interface{}{"city_id": 1, "population": 8000000})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.False(t, envelope.Success)
	assert.Contains(t, envelope.Message, "wrong column specification")
}

func TestUnauthorizedSessionSeesNothing(t *testing.T) {
	s := newTestServer(t)
	stranger := identity{id: "9", role: "stranger"}

	resp, envelope := doRequest(t, s, stranger, http.MethodGet, "/api/tables", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, envelope.Success)
	assert.Empty(t, envelope.Data)

	resp, envelope = doRequest(t, s, stranger, http.MethodGet, "/api/tables/city/rows", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, envelope.Message, "not synchronized for this session")
}
