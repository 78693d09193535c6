package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestObserveAttempt(t *testing.T) {
	ObserveAttempt("metrics-test", ResultSuccess, 250*time.Millisecond)
	ObserveAttempt("metrics-test", "parse", time.Second)
	ObserveAttempt("metrics-test", "parse", time.Second)

	out := scrape(t)
	assert.Contains(t, out, `calfeed_fetch_attempts_total{calendar="metrics-test",result="success"} 1`)
	assert.Contains(t, out, `calfeed_fetch_attempts_total{calendar="metrics-test",result="parse"} 2`)
	assert.Contains(t, out, `calfeed_fetch_duration_seconds_count{calendar="metrics-test"} 3`)
}

func TestObserveSuccessAndForget(t *testing.T) {
	ObserveSuccess("forget-me", 7, time.Unix(1741608000, 0))

	out := scrape(t)
	assert.Contains(t, out, `calfeed_events{calendar="forget-me"} 7`)
	assert.Contains(t, out, `calfeed_last_success_timestamp_seconds{calendar="forget-me"} 1.741608e+09`)

	Forget("forget-me")
	assert.NotContains(t, scrape(t), `calendar="forget-me"`)
}
