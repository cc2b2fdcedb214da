package metrics

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beacontrack/beacontrack/pkg"
	"github.com/beacontrack/beacontrack/pkg/logx"
)

func newTestServer() *Server {
	return NewServer("test", logx.NewWithWriter("error", &bytes.Buffer{}))
}

func sessionOf(ids ...string) pkg.Session {
	anchors := make([]pkg.AnchorConfig, 0, len(ids))
	for _, id := range ids {
		anchors = append(anchors, pkg.AnchorConfig{ID: id})
	}
	return pkg.Session{Anchors: anchors}
}

func TestRecorderUpdatesSeries(t *testing.T) {
	s := newTestServer()

	s.Configured(sessionOf("1", "2", "3", "4"))
	s.SampleIngested("1", -52.5)
	s.SampleIngested("1", -53)
	s.SampleDropped("zz", pkg.DropUnknown)
	s.NumericalError("2")
	s.QueryCompleted("ok", 7)
	s.QueryCompleted("not_ready", 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(s.samplesIngested.WithLabelValues("1")))
	assert.Equal(t, -53.0, testutil.ToFloat64(s.filteredRSSI.WithLabelValues("1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.samplesDropped.WithLabelValues(pkg.DropUnknown)))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.numericalErrors.WithLabelValues("2")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.queries.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.configurations))
	assert.Equal(t, 4.0, testutil.ToFloat64(s.configuredAnchors))
	assert.Equal(t, 1, testutil.CollectAndCount(s.solverIterations))
}

func TestReconfigureResetsAnchorGauges(t *testing.T) {
	s := newTestServer()
	s.Configured(sessionOf("old", "b", "c"))
	s.SampleIngested("old", -60)
	require.Equal(t, 1, testutil.CollectAndCount(s.filteredRSSI))

	s.Configured(sessionOf("x", "y", "z"))
	assert.Equal(t, 0, testutil.CollectAndCount(s.filteredRSSI))
}

func TestLateSampleOfReplacedAnchorIsNotExported(t *testing.T) {
	s := newTestServer()
	s.Configured(sessionOf("old", "b", "c"))
	s.SampleIngested("old", -60)

	s.Configured(sessionOf("b", "c", "d"))
	// an ingest that resolved its slot before the swap reports afterwards
	s.SampleIngested("old", -61)
	s.SampleIngested("d", -55)

	assert.Equal(t, 1, testutil.CollectAndCount(s.filteredRSSI))
	assert.Equal(t, -55.0, testutil.ToFloat64(s.filteredRSSI.WithLabelValues("d")))
	assert.Equal(t, 2.0, testutil.ToFloat64(s.samplesIngested.WithLabelValues("old")))
}

func TestSampleBeforeConfigurationIsNotExported(t *testing.T) {
	s := newTestServer()
	s.SampleIngested("a", -50)
	assert.Equal(t, 0, testutil.CollectAndCount(s.filteredRSSI))
}

func TestHandlerExposesMetrics(t *testing.T) {
	s := newTestServer()
	s.QueryCompleted("ok", 3)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `beacontrack_queries_total{result="ok"} 1`)
	assert.Contains(t, string(body), `beacontrack_daemon_version_info{go_version=`)
	assert.Contains(t, string(body), "beacontrack_daemon_uptime_seconds")
}

func TestStopWithoutStart(t *testing.T) {
	assert.NoError(t, newTestServer().Stop())
}
