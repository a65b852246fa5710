// ABOUTME: Prometheus metrics for the sync engine
// ABOUTME: Package-level collectors registered via promauto
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TimeRequests counts serviced time queries
	TimeRequests = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chronosync_time_requests_total",
			Help: "Total number of time queries serviced",
		},
	)

	// RegisteredDevices tracks the current registry size
	RegisteredDevices = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chronosync_registered_devices",
			Help: "Number of currently registered devices",
		},
	)

	// SyncedDevices tracks devices classified SYNCHRONIZED or ACCEPTABLE
	SyncedDevices = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chronosync_synced_devices",
			Help: "Number of devices within acceptable sync thresholds",
		},
	)

	// DeviceOffset is the last measured offset per device
	DeviceOffset = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chronosync_device_offset_us",
			Help: "Last measured clock offset per device in microseconds",
		},
		[]string{"device_id"},
	)

	// DeviceDriftRate is the estimated drift rate per device
	DeviceDriftRate = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chronosync_device_drift_us_per_s",
			Help: "Estimated clock drift rate per device in µs/s",
		},
		[]string{"device_id"},
	)

	// DeviceQuality is the composite quality score per device
	DeviceQuality = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chronosync_device_quality",
			Help: "Composite sync quality score per device (0-1)",
		},
		[]string{"device_id"},
	)

	// OverallQuality is the registry-wide composite score
	OverallQuality = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chronosync_overall_quality",
			Help: "Mean composite sync quality across devices (0-1)",
		},
	)

	// Observations counts recorded sync observations
	Observations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronosync_observations_total",
			Help: "Total sync observations recorded",
		},
		[]string{"device_id"},
	)

	// CoordinatedActions counts coordination requests by outcome
	CoordinatedActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronosync_coordinated_actions_total",
			Help: "Coordinated actions by outcome",
		},
		[]string{"outcome"},
	)

	// AlertsRaised counts quality alerts by kind
	AlertsRaised = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronosync_alerts_total",
			Help: "Quality degradation alerts by kind",
		},
		[]string{"kind"},
	)
)
