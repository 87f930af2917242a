package metrics

import (
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServer_ExposesCollectors(t *testing.T) {
	ScanPages.Inc()
	RemoteCalls.WithLabelValues("scan", "ok").Inc()

	srv, err := Listen("127.0.0.1:0", "/metrics", nil)
	require.NoError(t, err)
	defer srv.Close()

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "kvexport_scan_pages_total")
	assert.Contains(t, string(body), `kvexport_remote_calls_total{op="scan",result="ok"}`)
}

func TestServer_CustomPath(t *testing.T) {
	srv, err := Listen("127.0.0.1:0", "/prom", nil)
	require.NoError(t, err)
	defer srv.Close()

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get("http://" + srv.Addr() + "/prom")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_CloseIsIdempotent(t *testing.T) {
	srv, err := Listen("127.0.0.1:0", "", nil)
	require.NoError(t, err)

	assert.NoError(t, srv.Close())
	assert.NoError(t, srv.Close())

	_, err = http.Get("http://" + srv.Addr() + "/metrics")
	assert.Error(t, err)
}

func TestListen_BadAddress(t *testing.T) {
	_, err := Listen("256.0.0.1:bad", "/metrics", nil)
	assert.Error(t, err)
}
