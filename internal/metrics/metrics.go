// Package metrics exposes the device-core Prometheus counters, following
// the pack's package-level promauto-var convention rather than wiring a
// registry through every call site.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"
)

var (
	MessagesSentTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "groupcore_messages_sent_total",
			Help: "Total number of group application messages sent.",
		},
	)

	MessagesReceivedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "groupcore_messages_received_total",
			Help: "Total number of group application messages received and accepted.",
		},
	)

	MessagesRejectedPolicyTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groupcore_messages_rejected_policy_total",
			Help: "Total number of inbound messages dropped by a permission or mute check.",
		},
		[]string{"reason"},
	)

	RatchetFramesEncryptedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "groupcore_ratchet_frames_encrypted_total",
			Help: "Total number of voice frames encrypted by the sender ratchet.",
		},
	)

	RatchetFramesDecryptedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "groupcore_ratchet_frames_decrypted_total",
			Help: "Total number of voice frames successfully decrypted by a receiver ratchet.",
		},
	)

	RatchetDecryptFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "groupcore_ratchet_decrypt_failures_total",
			Help: "Total number of voice frame decrypt failures.",
		},
	)

	CommitsAppliedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "groupcore_commits_applied_total",
			Help: "Total number of MLS commits applied to a local group.",
		},
	)

	StreamReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "groupcore_stream_reconnects_total",
			Help: "Total number of times the Delivery Client's stream was re-established.",
		},
	)
)

// Handler returns the Prometheus scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordMessageRejected records an inbound message dropped by policy,
// tagged with the check that rejected it ("permission" or "muted").
func RecordMessageRejected(reason string) {
	MessagesRejectedPolicyTotal.WithLabelValues(reason).Inc()
}
