package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAndExposition(t *testing.T) {
	m := New()
	m.IncHandler("PlaceBid", OutcomeOK)
	m.IncEvent("aws.auctions", "PlaceBid", OutcomeRouted)
	m.IncEvent("aws.auctions", "PlaceBid", OutcomeRouted)
	m.IncQueueSend("BidQueue", OutcomeDelivered)
	m.IncDenial("PlaceBid", "queue:BidQueue", "send")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Events.WithLabelValues("aws.auctions", "PlaceBid", OutcomeRouted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuthorizationDenials.WithLabelValues("PlaceBid", "queue:BidQueue", "send")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	out := string(body)
	assert.True(t, strings.Contains(out, `marketplace_handler_invocations_total{handler="PlaceBid",outcome="ok"} 1`))
	assert.True(t, strings.Contains(out, "process_uptime_seconds"))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.IncHandler("x", OutcomeOK)
	m.IncEvent("a", "b", OutcomeUnrouted)
	m.IncQueueSend("q", OutcomeDeliveryFailed)
	m.IncDenial("h", "r", "a")
}
