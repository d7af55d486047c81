package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stubHost(t *testing.T, name string, addrs []string, err error) {
	t.Helper()
	origHostname, origLookup := hostname, lookupHost
	t.Cleanup(func() { hostname, lookupHost = origHostname, origLookup })

	hostname = func() (string, error) { return name, nil }
	lookupHost = func(host string) ([]string, error) {
		if host != name {
			return nil, errors.New("unexpected host " + host)
		}
		return addrs, err
	}
}

func TestHandleServerInfo(t *testing.T) {
	stubHost(t, "tasks-box", []string{"fe80::1", "192.168.1.20"}, nil)

	rec := httptest.NewRecorder()
	HandleServerInfo(":5000")(rec, httptest.NewRequest(http.MethodGet, "/api/server/info", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got ServerInfoResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, ServerInfoResponse{ServerIP: "192.168.1.20", Hostname: "tasks-box", Port: 5000}, got)
}

func TestHandleServerInfoLookupFails(t *testing.T) {
	stubHost(t, "tasks-box", nil, errors.New("no such host"))

	rec := httptest.NewRecorder()
	HandleServerInfo("0.0.0.0:8080")(rec, httptest.NewRequest(http.MethodGet, "/api/server/info", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	var got ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "Could not get server info: no such host", got.Error)
}

func TestHandleServerInfoBadListenAddr(t *testing.T) {
	stubHost(t, "tasks-box", []string{"10.0.0.2"}, nil)

	rec := httptest.NewRecorder()
	HandleServerInfo("5000")(rec, httptest.NewRequest(http.MethodGet, "/api/server/info", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
