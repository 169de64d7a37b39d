package telemetry

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/ethpandaops/syncwatch/internal/metrics"
)

// Score derives the quality score from the three ratings, where 0 is
// the best rating and 2 the worst. The result is in [40, 100].
func Score(availability, reliability, efficiency int) int {
	availability = metrics.ClampRating(availability)
	reliability = metrics.ClampRating(reliability)
	efficiency = metrics.ClampRating(efficiency)

	return 40 + 10*((metrics.WorstRating-availability)+
		(metrics.WorstRating-reliability)+
		(metrics.WorstRating-efficiency))
}

// placeholderScore is reported when no telemetry has ever been seen.
const placeholderScore = 5

// StatusView is the worker's liveness summary. Times are unix
// milliseconds for dashboard compatibility.
type StatusView struct {
	Online        bool   `json:"online"`
	SyncName      string `json:"syncName"`
	WalletAddress string `json:"walletAddress"`
	StartTime     int64  `json:"startTime"`
	LastHeartbeat *int64 `json:"lastHeartbeat"`
	Uptime        int64  `json:"uptime"`
	Phase         string `json:"phase,omitempty"`
	Restarts      int    `json:"restarts"`
}

// MetricsView is the live counter set.
type MetricsView struct {
	Sessions             uint64                  `json:"sessions"`
	Users                uint64                  `json:"users"`
	BytesIn              uint64                  `json:"bytesIn"`
	BytesOut             uint64                  `json:"bytesOut"`
	SyncLifePoints       uint64                  `json:"syncLifePoints"`
	WalletLifePoints     uint64                  `json:"walletLifePoints"`
	SyncLifeTraffic      uint64                  `json:"syncLifeTraffic"`
	ProxyConnectionState metrics.ConnectionState `json:"proxyConnectionState"`
}

// Performance is the traffic block of PerformanceView.
type Performance struct {
	TotalTraffic         uint64                  `json:"totalTraffic"`
	Sessions             uint64                  `json:"sessions"`
	Users                uint64                  `json:"users"`
	BytesIn              uint64                  `json:"bytesIn"`
	BytesOut             uint64                  `json:"bytesOut"`
	ProxyConnectionState metrics.ConnectionState `json:"proxyConnectionState"`
}

// QoS is the quality block of PerformanceView.
type QoS struct {
	Score         int             `json:"score"`
	Availability  int             `json:"availability"`
	Reliability   int             `json:"reliability"`
	Efficiency    int             `json:"efficiency"`
	RatingsBlurbs json.RawMessage `json:"ratingsBlurbs"`
}

// PerformanceView is the dashboard's traffic and quality panel.
type PerformanceView struct {
	Timestamp   time.Time   `json:"timestamp"`
	Performance Performance `json:"performance"`
	QoS         QoS         `json:"qos"`
}

// Points is the reward summary of PointsView.
type Points struct {
	Total      uint64 `json:"total"`
	Daily      uint64 `json:"daily"`
	Weekly     uint64 `json:"weekly"`
	Monthly    uint64 `json:"monthly"`
	Streak     uint64 `json:"streak"`
	Rank       string `json:"rank"`
	Multiplier string `json:"multiplier"`
}

// Point view sources.
const (
	SourceLiveStats      = "live_stats"
	SourceContainerStats = "container_stats"
)

// PointsView is the dashboard's reward panel. Error and Fallback are
// set only when no telemetry is available at all.
type PointsView struct {
	Timestamp        time.Time               `json:"timestamp"`
	Points           Points                  `json:"points"`
	SyncLifePoints   *uint64                 `json:"syncLifePoints"`
	WalletLifePoints *uint64                 `json:"walletLifePoints"`
	Source           string                  `json:"source,omitempty"`
	ContainerUptime  string                  `json:"containerUptime,omitempty"`
	IsEarning        *bool                   `json:"isEarning,omitempty"`
	ConnectionState  metrics.ConnectionState `json:"connectionState,omitempty"`
	Error            string                  `json:"error,omitempty"`
	Fallback         bool                    `json:"fallback,omitempty"`
}

func newMetricsView(r metrics.Record) MetricsView {
	return MetricsView{
		Sessions:             r.Sessions,
		Users:                r.Users,
		BytesIn:              r.BytesIn,
		BytesOut:             r.BytesOut,
		SyncLifePoints:       r.SyncLifePoints,
		WalletLifePoints:     r.WalletLifePoints,
		SyncLifeTraffic:      r.SyncLifeTraffic,
		ProxyConnectionState: stateOrUnknown(r.ProxyConnectionState),
	}
}

func newPerformanceView(r metrics.Record, now time.Time) PerformanceView {
	return PerformanceView{
		Timestamp: now,
		Performance: Performance{
			TotalTraffic:         r.TotalTraffic(),
			Sessions:             r.Sessions,
			Users:                r.Users,
			BytesIn:              r.BytesIn,
			BytesOut:             r.BytesOut,
			ProxyConnectionState: stateOrUnknown(r.ProxyConnectionState),
		},
		QoS: QoS{
			Score:         Score(r.Availability, r.Reliability, r.Efficiency),
			Availability:  r.Availability,
			Reliability:   r.Reliability,
			Efficiency:    r.Efficiency,
			RatingsBlurbs: r.RatingsBlurbs,
		},
	}
}

func placeholderPerformanceView(now time.Time) PerformanceView {
	return PerformanceView{
		Timestamp: now,
		Performance: Performance{
			ProxyConnectionState: metrics.StateUnknown,
		},
		QoS: QoS{
			Score: placeholderScore,
		},
	}
}

func newPointsView(r metrics.Record, source string, now time.Time) PointsView {
	syncPoints := r.SyncLifePoints
	walletPoints := r.WalletLifePoints
	earning := r.IsEarning

	return PointsView{
		Timestamp: now,
		Points: Points{
			Total:      r.TotalPoints(),
			Rank:       "N/A",
			Multiplier: "N/A",
		},
		SyncLifePoints:   &syncPoints,
		WalletLifePoints: &walletPoints,
		Source:           source,
		ContainerUptime:  formatHours(r.Uptime(now)),
		IsEarning:        &earning,
		ConnectionState:  stateOrUnknown(r.ProxyConnectionState),
	}
}

func errorPointsView(instance string, now time.Time) PointsView {
	return PointsView{
		Timestamp: now,
		Points: Points{
			Rank:       "N/A",
			Multiplier: "1.0",
		},
		Error:    instance + " not running - start it first",
		Fallback: true,
	}
}

func formatHours(d time.Duration) string {
	return strconv.FormatFloat(d.Hours(), 'f', 1, 64) + " hours"
}

func stateOrUnknown(s metrics.ConnectionState) metrics.ConnectionState {
	if s == "" {
		return metrics.StateUnknown
	}

	return s
}
