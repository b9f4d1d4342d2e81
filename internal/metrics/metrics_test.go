package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestObserveMigrations(t *testing.T) {
	Init()
	before := testutil.ToFloat64(migrationsAppliedTotal)
	ObserveMigrations(2)
	ObserveMigrations(0)
	require.InDelta(t, before+2, testutil.ToFloat64(migrationsAppliedTotal), 0.001)
}

func TestHandlerServesRegistry(t *testing.T) {
	Init()
	ObserveMigrations(1)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "crawlstate_migrations_applied_total"))
}

func TestObserveThrottleDelay(t *testing.T) {
	ObserveThrottleDelay("www.whakoom.com", 250*time.Millisecond)
	require.Positive(t, testutil.CollectAndCount(throttleDelaySeconds))
}
