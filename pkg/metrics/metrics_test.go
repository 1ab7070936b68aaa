package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	require.NoError(t, Register(reg))

	IncStart("server", "healthy")
	IncStop("server", "stopped")
	ObserveHealthWait("server", 1.5)
	IncPrepare("web", "ok")
	IncWatchReaction("server", "ran")
	AddSweepKills(2)
	SetRunning(3)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	found := map[string]bool{}
	for _, mf := range mfs {
		found[mf.GetName()] = len(mf.GetMetric()) > 0
	}
	for _, name := range []string{
		"hyve_service_starts_total",
		"hyve_service_stops_total",
		"hyve_service_health_wait_seconds",
		"hyve_prepare_runs_total",
		"hyve_watch_reactions_total",
		"hyve_sweep_kills_total",
		"hyve_service_running",
	} {
		require.True(t, found[name], name)
	}
}

func TestRouterServesMetricsAndHealth(t *testing.T) {
	regOK.Store(false)
	require.NoError(t, Register(prometheus.DefaultRegisterer))
	IncStart("x", "healthy")

	srv := httptest.NewServer(NewRouter())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	b, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, strings.Contains(string(b), "hyve_service_starts_total"))

	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
