package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/industriaspico/carousel-fleet/internal/audit"
	"github.com/industriaspico/carousel-fleet/internal/fleet"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	trail := audit.NewTrail(audit.Config{Directory: t.TempDir()})
	cfg := fleet.FleetConfig{PLCMachines: []fleet.MachineConfig{
		{ID: "m1", Name: "Carousel 1", Simulator: true, Port: 1},
	}}
	mgr, err := fleet.NewManager(cfg, t.TempDir(), trail)
	require.NoError(t, err)
	return New(mgr)
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

func TestHealthRoute(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/v1/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeEnvelope(t, rec).Success)
}

func TestListMachinesRoute(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/v1/machines", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.True(t, env.Success)
}

func TestMachineStatusRoute(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/v1/machines/m1/status", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUnknownMachineStatusRoute(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/v1/machines/ghost/status", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.False(t, env.Success)
	assert.Equal(t, "BAD_REQUEST", env.Code)
}

func TestBadCommandRoute(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/v1/machines/m1/command", commandRequest{Command: 300})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, "BAD_COMMAND", env.Code)
}

func TestMoveRoute(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/v1/machines/m1/move", moveRequest{Position: 5})
	assert.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.True(t, env.Success)
}

func TestLegacyRoutes(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodGet, "/v1/status", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/v1/command", commandRequest{Command: 0})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestOversizeRequestBodyRejected(t *testing.T) {
	s := newTestServer(t)
	oversized := make([]byte, MaxRequestBody+1)
	req := httptest.NewRequest(http.MethodPost, "/v1/machines/m1/command", bytes.NewReader(oversized))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}
