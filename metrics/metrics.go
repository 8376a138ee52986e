// Package metrics wires grblmux's ambient observability: FlowController
// byte-budget and queue-depth gauges, alarm state, per-Machine state, and a
// commands-admitted counter.
//
// Grounded on the *prometheus.GaugeVec fields and promauto constructors in
// _examples/madpsy-ka9q_ubersdr/prometheus.go (present in that repo's
// go.mod, adopted here as its contribution to grblmux's domain stack).
// Full G-code parsing, offline job planning, coordinate tracking, GUI and
// non-Grbl protocols are out of scope, but observability never is, so this
// package is carried regardless.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds every collector grblmux registers, scoped to one
// prometheus.Registerer so a caller embedding the library can fold these
// into their own /metrics endpoint.
type Registry struct {
	BudgetUsed      *prometheus.GaugeVec
	BudgetLimit     *prometheus.GaugeVec
	QueueIncoming   *prometheus.GaugeVec
	QueueOutgoing   *prometheus.GaugeVec
	AlarmActive     *prometheus.GaugeVec
	MachineState    *prometheus.GaugeVec
	CommandsAdmitted *prometheus.CounterVec
}

// New registers every collector against reg (use prometheus.NewRegistry()
// for an isolated registry in tests, or prometheus.DefaultRegisterer for a
// process-wide one).
func New(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)

	return &Registry{
		BudgetUsed: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "grblmux",
			Subsystem: "flowcontrol",
			Name:      "budget_used_bytes",
			Help:      "Bytes currently occupying the controller's receive buffer, per device.",
		}, []string{"usb_address"}),
		BudgetLimit: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "grblmux",
			Subsystem: "flowcontrol",
			Name:      "budget_limit_bytes",
			Help:      "Configured in-flight byte budget, per device.",
		}, []string{"usb_address"}),
		QueueIncoming: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "grblmux",
			Subsystem: "flowcontrol",
			Name:      "queue_incoming_depth",
			Help:      "Requests waiting for admission, per device.",
		}, []string{"usb_address"}),
		QueueOutgoing: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "grblmux",
			Subsystem: "flowcontrol",
			Name:      "queue_outgoing_depth",
			Help:      "Requests transmitted and awaiting a response, per device.",
		}, []string{"usb_address"}),
		AlarmActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "grblmux",
			Subsystem: "flowcontrol",
			Name:      "alarm_active",
			Help:      "1 if the FlowController has latched an alarm, per device.",
		}, []string{"usb_address"}),
		MachineState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "grblmux",
			Subsystem: "machine",
			Name:      "state",
			Help:      "Current Machine protocol state as an integer (0=Disconnected..3=Identified), per device.",
		}, []string{"usb_address"}),
		CommandsAdmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "grblmux",
			Subsystem: "flowcontrol",
			Name:      "commands_admitted_total",
			Help:      "Commands transmitted to the serial transport, per device.",
		}, []string{"usb_address"}),
	}
}
