package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	m := New("")
	m.RoundFinished("confirm")
	m.RoundFinished("confirm")
	m.ToolExecuted("success")
	m.SpeechError()
	m.InterpretLatency(300 * time.Millisecond)
	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed()
	m.ArchiveUploaded(nil)
	m.ArchiveUploaded(errors.New("x"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RoundsTotal.WithLabelValues("confirm")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ToolExecutions.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SpeechErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveSessions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ArchiveUploads.WithLabelValues("error")))
}

func TestMetrics_Handler(t *testing.T) {
	m := New("voice_console")
	m.RoundFinished("respond")
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `voice_console_rounds_total{outcome="respond"} 1`)
}
