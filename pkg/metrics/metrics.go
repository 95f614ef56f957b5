// Package metrics provides the Prometheus instrumentation of the monitor
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "btmonitor"

// Reasons for dropped packets
const (
	DropUnknownSensor = "unknown_sensor"
	DropShortPacket   = "short_packet"
	DropFinished      = "finished"
	DropOther         = "other"
)

var (

	// ConnectionAttempts counts resolved connection attempts by result
	ConnectionAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connection_attempts_total",
		Help:      "Number of resolved connection attempts by result",
	}, []string{"result"})

	// PacketsReceived counts telemetry chunks handed to the store
	PacketsReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "packets_received_total",
		Help:      "Number of telemetry packets received",
	})

	// PacketsParsed counts successfully parsed telemetry packets by sensor
	PacketsParsed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "packets_parsed_total",
		Help:      "Number of successfully parsed telemetry packets by sensor",
	}, []string{"sensor"})

	// PacketsDropped counts dropped telemetry packets by reason
	PacketsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "packets_dropped_total",
		Help:      "Number of dropped telemetry packets by reason",
	}, []string{"reason"})

	// FirstChunksDiscarded counts stale first chunks discarded after a (re)subscription
	FirstChunksDiscarded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "first_chunks_discarded_total",
		Help:      "Number of stale notification chunks discarded after subscribing",
	})

	// Recording is 1 while a recording session is active
	Recording = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "recording",
		Help:      "Whether a recording session is currently active",
	})

	// FlowTransitions counts applied flow transitions by event and target state
	FlowTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "flow_transitions_total",
		Help:      "Number of applied flow state transitions",
	}, []string{"event", "to"})

	// FlowInvalidTransitions counts rejected flow events
	FlowInvalidTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "flow_invalid_transitions_total",
		Help:      "Number of rejected flow events by state and event",
	}, []string{"state", "event"})
)

// Collectors returns all collectors of this package
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		ConnectionAttempts,
		PacketsReceived,
		PacketsParsed,
		PacketsDropped,
		FirstChunksDiscarded,
		Recording,
		FlowTransitions,
		FlowInvalidTransitions,
	}
}

// Register registers all collectors with the provided registerer, ignoring
// collectors that have already been registered
func Register(reg prometheus.Registerer) error {
	for _, c := range Collectors() {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}
