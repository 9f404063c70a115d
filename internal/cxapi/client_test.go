package cxapi_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/GemAppSec/CxDynEngine/internal/cxapi"
	"github.com/GemAppSec/CxDynEngine/internal/model"
	"github.com/stretchr/testify/require"
)

const queueJSON = `[
  {"id": 12, "stage": {"id": 3, "value": "Queued"}, "loc": 5000, "engine": null},
  {"id": 10, "stage": {"id": 4, "value": "Scanning"}, "loc": 120, "engine": {"id": 3}, "engineStartedOn": "2019-03-01T10:00:00.123"},
  {"id": 11, "stage": {"id": 1, "value": "New"}},
  {"id": 9, "stage": {"id": 7, "value": "Finished"}, "loc": 1, "engine": {"id": 2}, "engineStartedOn": "2019-03-01T09:00:00Z"}
]`

func TestListQueue(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/cxrestapi/sast/scansQueue", r.URL.Path)
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_, _ = io.WriteString(w, queueJSON)
	}))
	t.Cleanup(srv.Close)

	client, err := cxapi.New(srv.URL+"/cxrestapi/", cxapi.WithToken("secret"), cxapi.WithTimeout(time.Second))
	require.NoError(t, err)

	scans, err := client.ListQueue(t.Context())
	require.NoError(t, err)
	require.Equal(t, []model.Scan{
		{ID: 12, Status: model.StatusQueued, LOC: 5000},
		{ID: 10, Status: model.StatusScanning, LOC: 120, EngineID: 3, StartedAt: time.Date(2019, 3, 1, 10, 0, 0, 123_000_000, time.UTC)},
		{ID: 11, Status: model.StatusOther, LOC: -1},
		{ID: 9, Status: model.StatusFinished, LOC: 1, EngineID: 2, StartedAt: time.Date(2019, 3, 1, 9, 0, 0, 0, time.UTC)},
	}, scans)
}

func TestListQueue_Errors(t *testing.T) {
	t.Parallel()
	type then struct {
		status int
		detail string
	}
	var testCases = []struct {
		scenario    string
		contentType string
		code        int
		body        string
		then        then
	}{
		{"problem json", "application/problem+json", http.StatusUnauthorized, `{"detail": "token expired"}`, then{401, "token expired"}},
		{"cx message", "application/json", http.StatusBadRequest, `{"messageCode": 12, "messageDetails": "bad request"}`, then{400, "bad request"}},
		{"plain text", "text/plain", http.StatusBadGateway, "upstream down\n", then{502, "upstream down"}},
		{"wrong content type", "text/html", http.StatusOK, "<html/>", then{200, ""}},
		{"broken json", "application/json", http.StatusOK, "[{", then{200, ""}},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", tc.contentType)
				w.WriteHeader(tc.code)
				_, _ = io.WriteString(w, tc.body)
			}))
			t.Cleanup(srv.Close)

			client, err := cxapi.New(srv.URL)
			require.NoError(t, err)
			_, err = client.ListQueue(t.Context())
			require.Error(t, err)
			var svcErr *model.ServiceError
			require.ErrorAs(t, err, &svcErr)
			require.Equal(t, tc.then.status, svcErr.StatusCode)
			require.Equal(t, tc.then.detail, svcErr.Detail)
		})
	}
}

func TestListQueue_Transport(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client, err := cxapi.New(url)
	require.NoError(t, err)
	_, err = client.ListQueue(t.Context())
	var svcErr *model.ServiceError
	require.ErrorAs(t, err, &svcErr)
	require.Zero(t, svcErr.StatusCode)
	require.Error(t, svcErr.Err)
}

func TestBlockEngine(t *testing.T) {
	t.Parallel()
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		require.Equal(t, http.MethodPatch, r.Method)
		require.Equal(t, "/sast/engineServers/42", r.URL.Path)
		var body map[string]bool
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, map[string]bool{"isBlocked": true}, body)
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	client, err := cxapi.New(srv.URL)
	require.NoError(t, err)
	require.NoError(t, client.BlockEngine(t.Context(), 42))
	require.Equal(t, 1, calls)
}

func TestBlockEngine_Conflict(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/problem+json")
		w.WriteHeader(http.StatusConflict)
		_, _ = io.WriteString(w, `{"detail": "engine is offline"}`)
	}))
	t.Cleanup(srv.Close)

	client, err := cxapi.New(srv.URL)
	require.NoError(t, err)
	err = client.BlockEngine(t.Context(), 1)
	require.EqualError(t, err, "block engine: status code: 409, detail: engine is offline")
}

func TestNew(t *testing.T) {
	t.Parallel()
	_, err := cxapi.New("localhost/cxrestapi")
	require.Error(t, err)

	token := "tkn"
	timeout := "PT5S"
	c, err := cxapi.FromConfig(model.Cx{URL: "https://cx.example.com/cxrestapi", Token: &token, Timeout: &timeout})
	require.NoError(t, err)
	require.NotNil(t, c)

	bad := "5s"
	_, err = cxapi.FromConfig(model.Cx{URL: "https://cx.example.com", Timeout: &bad})
	require.Error(t, err)
}
