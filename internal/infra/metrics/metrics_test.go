package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExchangeFinished(t *testing.T) {
	before := testutil.ToFloat64(exchangesTotal.WithLabelValues("degraded"))
	ExchangeFinished("degraded", 2*time.Second)
	assert.Equal(t, before+1, testutil.ToFloat64(exchangesTotal.WithLabelValues("degraded")))
}

func TestAttemptAndFrameCounters(t *testing.T) {
	before := testutil.ToFloat64(attemptsTotal.WithLabelValues("sse", "TIMEOUT"))
	AttemptFinished("sse", "TIMEOUT")
	assert.Equal(t, before+1, testutil.ToFloat64(attemptsTotal.WithLabelValues("sse", "TIMEOUT")))

	frames := testutil.ToFloat64(framesTotal.WithLabelValues("message"))
	FrameDecoded("message")
	FrameDecoded("message")
	assert.Equal(t, frames+2, testutil.ToFloat64(framesTotal.WithLabelValues("message")))

	bad := testutil.ToFloat64(malformedTotal)
	MalformedRecord()
	assert.Equal(t, bad+1, testutil.ToFloat64(malformedTotal))

	dups := testutil.ToFloat64(duplicatesTotal)
	DuplicateFragment()
	assert.Equal(t, dups+1, testutil.ToFloat64(duplicatesTotal))

	retries := testutil.ToFloat64(retriesTotal.WithLabelValues("TRANSPORT_FAILURE"))
	Retried("TRANSPORT_FAILURE")
	assert.Equal(t, retries+1, testutil.ToFloat64(retriesTotal.WithLabelValues("TRANSPORT_FAILURE")))

	stalls := testutil.ToFloat64(stallsTotal.WithLabelValues("hard"))
	Stalled("hard")
	assert.Equal(t, stalls+1, testutil.ToFloat64(stallsTotal.WithLabelValues("hard")))
}

func TestHandlerExposesInstruments(t *testing.T) {
	AttemptFinished("chunked", "ok")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "rolechat_stream_attempts_total"))
}
