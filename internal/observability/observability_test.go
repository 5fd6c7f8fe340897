package observability

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_IsolatedRegistries(t *testing.T) {
	// Two instances on separate registries must not collide.
	m1 := NewMetrics(prometheus.NewRegistry())
	m2 := NewMetrics(prometheus.NewRegistry())

	m1.VotesCast.WithLabelValues("up").Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(m1.VotesCast.WithLabelValues("up")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m2.VotesCast.WithLabelValues("up")))
}

func TestSetChannelMetrics(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.SetChannelMetrics("persist", 25, 100)

	assert.Equal(t, 0.25, testutil.ToFloat64(m.ChannelUtilization.WithLabelValues("persist")))
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLogLevel("debug"))
	assert.Equal(t, zerolog.WarnLevel, ParseLogLevel("warn"))
	assert.Equal(t, zerolog.InfoLevel, ParseLogLevel(""))
	assert.Equal(t, zerolog.InfoLevel, ParseLogLevel("verbose"))
	assert.Equal(t, zerolog.WarnLevel, ParseLogLevel(" WARNING "))
	assert.Equal(t, zerolog.TraceLevel, ParseLogLevel("trace"))
}

func TestLogger_TagsComponent(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(&buf, "engine", zerolog.InfoLevel)
	log.Info().Msg("hello")
	log.Debug().Msg("suppressed")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "engine", line["component"])
	assert.Equal(t, "candleledger", line["service"])
	assert.Equal(t, "hello", line["message"])
}

func TestHealthChecker(t *testing.T) {
	h := NewHealthChecker()

	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	h.SetReady(true)
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "alive")
}

func TestHealthChecker_Phases(t *testing.T) {
	h := NewHealthChecker()
	assert.Equal(t, PhaseRecovering, h.Phase())

	// Not serving yet, so this is not a drain.
	h.SetReady(false)
	assert.Equal(t, PhaseRecovering, h.Phase())

	h.TrackSequence(func() int64 { return 42 })
	h.SetReady(true)
	h.SetReady(false)
	assert.Equal(t, PhaseDraining, h.Phase())

	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "draining", body["phase"])
	assert.Equal(t, 42.0, body["sequence"])
}
