package channel

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	channelsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chanmgr_channels_created_total",
			Help: "Channels created.",
		},
	)

	channelsDestroyed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chanmgr_channels_destroyed_total",
			Help: "Channels destroyed.",
		},
	)

	peersBound = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chanmgr_peers_bound_total",
			Help: "Peers bound, by role and owner type.",
		},
		[]string{"role", "owner"},
	)

	peersUnbound = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chanmgr_peers_unbound_total",
			Help: "Peers unbound, by role and owner type.",
		},
		[]string{"role", "owner"},
	)

	transfersStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chanmgr_transfers_started_total",
			Help: "Transfers created in PENDING state.",
		},
	)

	transfersFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chanmgr_transfers_finished_total",
			Help: "Transfers reaching a terminal state, by state.",
		},
		[]string{"state"},
	)

	reselections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chanmgr_producer_reselections_total",
			Help: "Producer reselections after a failed transfer, by outcome.",
		},
		[]string{"outcome"},
	)

	relayPromotions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chanmgr_relay_promotions_total",
			Help: "Storage consumers promoted to producers after receiving the data.",
		},
	)

	slotReleaseErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chanmgr_slot_release_errors_total",
			Help: "Best-effort slot release calls that failed, by call.",
		},
		[]string{"call"},
	)
)
