// Package observability exposes prometheus metrics for the sync engine.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	MessagesMerged = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "palaver_messages_merged_total",
			Help: "Messages merged into an in-memory room sequence.",
		},
		[]string{"source"},
	)
	DuplicatesAbsorbed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "palaver_duplicate_deliveries_total",
			Help: "Deliveries dropped by id-based deduplication.",
		},
	)
	PagesFetched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "palaver_pages_fetched_total",
			Help: "Pagination fetches issued against the remote log.",
		},
	)
	PresenceWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "palaver_presence_writes_total",
			Help: "Presence record writes by trigger.",
		},
		[]string{"trigger"},
	)
	RosterRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "palaver_roster_refreshes_total",
			Help: "Roster snapshot handling outcomes.",
		},
		[]string{"outcome"},
	)
	OpenRooms = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "palaver_open_rooms",
			Help: "Number of rooms with a live subscription.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		MessagesMerged,
		DuplicatesAbsorbed,
		PagesFetched,
		PresenceWrites,
		RosterRefreshes,
		OpenRooms,
	)
}
