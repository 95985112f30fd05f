package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorderCounts(t *testing.T) {
	r := NewRecorder()
	r.Spawned("GOLD", 2)
	r.Spawned("GOLD", 1)
	r.BrokerOrder("market")
	r.Skip("locked")
	r.CancelTimeout()
	r.ActiveOrders("contract", 4)

	if got := testutil.ToFloat64(r.ordersSpawned.WithLabelValues("GOLD")); got != 3 {
		t.Errorf("spawned = %v, want 3", got)
	}
	if got := testutil.ToFloat64(r.brokerOrders.WithLabelValues("market")); got != 1 {
		t.Errorf("broker orders = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.cancelTimeouts); got != 1 {
		t.Errorf("cancel timeouts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.activeOrders.WithLabelValues("contract")); got != 4 {
		t.Errorf("active contract orders = %v, want 4", got)
	}
}

func TestNilRecorder(t *testing.T) {
	var r *Recorder
	r.Spawned("GOLD", 1)
	r.BrokerOrder("market")
	r.Skip("closed")
	r.CancelTimeout()
	r.CriticalAlert()
	r.ActiveOrders("broker", 1)
}

func TestHandler(t *testing.T) {
	r := NewRecorder()
	r.CriticalAlert()

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "execstack_critical_alerts_total 1") {
		t.Errorf("metrics output missing critical alert count:\n%s", body)
	}
}
