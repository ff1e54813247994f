package metrics

import (
	"strconv"
	"sync"

	"github.com/agentworkforce/relaydocs/internal/httpapi"
	"github.com/agentworkforce/relaydocs/internal/relaydocs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	deliveryOnce   sync.Once
	sharedDelivery *deliveryMetrics
	leaseOnce      sync.Once
	sharedLease    *leaseMetrics
)

type deliveryMetrics struct {
	responses *prometheus.CounterVec
	bytes     *prometheus.CounterVec
	aborts    *prometheus.CounterVec
}

// NewDeliveryMetrics returns the file handler collectors, or nil when metrics
// are disabled. Every call returns the same collectors.
func NewDeliveryMetrics() httpapi.DeliveryMetrics {
	if !IsEnabled() {
		return nil
	}
	deliveryOnce.Do(func() {
		sharedDelivery = newDeliveryMetrics(GetRegistry())
	})
	return sharedDelivery
}

func newDeliveryMetrics(reg prometheus.Registerer) *deliveryMetrics {
	return &deliveryMetrics{
		responses: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaydocs_filehandler_responses_total",
				Help: "File handler responses by action and status code",
			},
			[]string{"action", "status"},
		),
		bytes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaydocs_filehandler_bytes_total",
				Help: "Bytes written to clients by the file handler",
			},
			[]string{"action"},
		),
		aborts: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaydocs_filehandler_client_aborts_total",
				Help: "Streams cut short because the client disconnected",
			},
			[]string{"action"},
		),
	}
}

func (m *deliveryMetrics) ObserveResponse(action string, status int) {
	m.responses.WithLabelValues(action, strconv.Itoa(status)).Inc()
}

func (m *deliveryMetrics) AddBytes(action string, n int64) {
	if n > 0 {
		m.bytes.WithLabelValues(action).Add(float64(n))
	}
}

func (m *deliveryMetrics) ClientAborted(action string) {
	m.aborts.WithLabelValues(action).Inc()
}

type leaseMetrics struct {
	outcomes *prometheus.CounterVec
}

// NewLeaseMetrics returns the update-lease collectors, or nil when metrics are
// disabled.
func NewLeaseMetrics() relaydocs.LeaseMetrics {
	if !IsEnabled() {
		return nil
	}
	leaseOnce.Do(func() {
		sharedLease = newLeaseMetrics(GetRegistry())
	})
	return sharedLease
}

func newLeaseMetrics(reg prometheus.Registerer) *leaseMetrics {
	return &leaseMetrics{
		outcomes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaydocs_update_lease_total",
				Help: "Update lease operations by outcome",
			},
			[]string{"outcome"},
		),
	}
}

func (m *leaseMetrics) ObserveLease(outcome string) {
	m.outcomes.WithLabelValues(outcome).Inc()
}
