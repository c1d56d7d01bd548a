// prometheus.go - Prometheus instrumentation.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package instrument exports node metrics to prometheus.
package instrument

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	messagesDelivered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trustroute_delivered_messages_total",
			Help: "Number of messages delivered to local workers",
		},
	)
	flowControlDenied = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trustroute_flow_control_denied_total",
			Help: "Number of deliveries dropped by the flow control check",
		},
	)
	accessControlDenied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trustroute_access_control_denied_total",
			Help: "Number of messages dropped by worker access control",
		},
		[]string{"direction"},
	)
	handshakes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trustroute_secure_channel_handshakes_total",
			Help: "Number of secure channel handshakes by role and outcome",
		},
		[]string{"role", "outcome"},
	)
	channelFramesDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trustroute_secure_channel_dropped_frames_total",
			Help: "Number of encrypted frames that failed to decrypt or replayed a nonce",
		},
	)
	forwardersRegistered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trustroute_forwarders_registered_total",
			Help: "Number of forwarders registered at the forwarding service",
		},
	)
	forwarderRegistrationsRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trustroute_forwarder_registrations_rejected_total",
			Help: "Number of forwarder registrations rejected by the forwarding service",
		},
	)
	tcpConnections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trustroute_tcp_connections_total",
			Help: "Number of TCP connections by direction",
		},
		[]string{"direction"},
	)
)

var registerOnce sync.Once

func register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(messagesDelivered)
		prometheus.MustRegister(flowControlDenied)
		prometheus.MustRegister(accessControlDenied)
		prometheus.MustRegister(handshakes)
		prometheus.MustRegister(channelFramesDropped)
		prometheus.MustRegister(forwardersRegistered)
		prometheus.MustRegister(forwarderRegistrationsRejected)
		prometheus.MustRegister(tcpConnections)
	})
}

// Init registers the collectors and, if address is not empty, serves them
// over HTTP at /metrics.  The returned server is nil when nothing is served.
func Init(address string) *http.Server {
	register()
	if address == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{Addr: address, Handler: mux}
}

// MessageDelivered increments the counter of delivered messages.
func MessageDelivered() {
	messagesDelivered.Inc()
}

// FlowControlDenied increments the counter of flow control denials.
func FlowControlDenied() {
	flowControlDenied.Inc()
}

// AccessControlDenied increments the counter of access control denials for
// direction "incoming" or "outgoing".
func AccessControlDenied(direction string) {
	accessControlDenied.With(prometheus.Labels{"direction": direction}).Inc()
}

// Handshake increments the handshake counter for role and outcome.
func Handshake(role, outcome string) {
	handshakes.With(prometheus.Labels{"role": role, "outcome": outcome}).Inc()
}

// ChannelFrameDropped increments the counter of dropped encrypted frames.
func ChannelFrameDropped() {
	channelFramesDropped.Inc()
}

// ForwarderRegistered increments the counter of registered forwarders.
func ForwarderRegistered() {
	forwardersRegistered.Inc()
}

// ForwarderRegistrationRejected increments the counter of rejected
// forwarder registrations.
func ForwarderRegistrationRejected() {
	forwarderRegistrationsRejected.Inc()
}

// TCPConnection increments the connection counter for direction "incoming"
// or "outgoing".
func TCPConnection(direction string) {
	tcpConnections.With(prometheus.Labels{"direction": direction}).Inc()
}
