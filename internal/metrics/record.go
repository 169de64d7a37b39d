package metrics

import (
	"encoding/json"
	"time"
)

// ConnectionState is the worker's proxy connection state. The set of
// values is open; unknown strings reported by the worker pass through.
type ConnectionState string

const (
	StateUnknown      ConnectionState = "UNKNOWN"
	StateConnected    ConnectionState = "CONNECTED"
	StateDisconnected ConnectionState = "DISCONNECTED"
)

// DataSource records which collection source produced a record.
type DataSource string

const (
	SourceHTTPMetrics DataSource = "http_metrics"
	SourceLogParsing  DataSource = "log_parsing"
)

// WorstRating is the default for availability, reliability and
// efficiency when the worker has not reported them. 0 is best.
const WorstRating = 2

// Record is an immutable snapshot of worker telemetry. Records are
// replaced, never mutated, once handed out.
type Record struct {
	Sessions             uint64          `json:"sessions"`
	Users                uint64          `json:"users"`
	BytesIn              uint64          `json:"bytesIn"`
	BytesOut             uint64          `json:"bytesOut"`
	SyncLifePoints       uint64          `json:"syncLifePoints"`
	WalletLifePoints     uint64          `json:"walletLifePoints"`
	SyncLifeTraffic      uint64          `json:"syncLifeTraffic"`
	Messages             uint64          `json:"messages"`
	ProxyConnectionState ConnectionState `json:"proxyConnectionState"`
	Availability         int             `json:"availability"`
	Reliability          int             `json:"reliability"`
	Efficiency           int             `json:"efficiency"`
	RatingsBlurbs        json.RawMessage `json:"ratingsBlurbs,omitempty"`
	IsEarning            bool            `json:"isEarning"`
	DataSource           DataSource      `json:"dataSource,omitempty"`
	Instance             string          `json:"instance,omitempty"`
	StartedAt            time.Time       `json:"startedAt,omitzero"`
}

// NewRecord returns the canonical empty record.
func NewRecord() Record {
	return Record{
		ProxyConnectionState: StateUnknown,
		Availability:         WorstRating,
		Reliability:          WorstRating,
		Efficiency:           WorstRating,
	}
}

// TotalTraffic prefers the worker's lifetime traffic counter and falls
// back to the sum of the byte counters.
func (r Record) TotalTraffic() uint64 {
	if r.SyncLifeTraffic != 0 {
		return r.SyncLifeTraffic
	}

	return r.BytesIn + r.BytesOut
}

// TotalPoints is wallet plus sync lifetime points.
func (r Record) TotalPoints() uint64 {
	return r.WalletLifePoints + r.SyncLifePoints
}

// HasPoints reports whether the record carries point-earning data.
func (r Record) HasPoints() bool {
	return r.TotalPoints() > 0 || r.IsEarning
}

// Uptime returns how long the instance has been running at now, or
// zero if the start time is unknown.
func (r Record) Uptime(now time.Time) time.Duration {
	if r.StartedAt.IsZero() || now.Before(r.StartedAt) {
		return 0
	}

	return now.Sub(r.StartedAt)
}

// Partial is a sparse update. Nil fields are absent and leave the
// corresponding Record field untouched on Merge.
type Partial struct {
	Sessions             *uint64
	Users                *uint64
	BytesIn              *uint64
	BytesOut             *uint64
	SyncLifePoints       *uint64
	WalletLifePoints     *uint64
	SyncLifeTraffic      *uint64
	Messages             *uint64
	ProxyConnectionState *ConnectionState
	Availability         *int
	Reliability          *int
	Efficiency           *int
	RatingsBlurbs        json.RawMessage
	IsEarning            *bool
}

// Empty reports whether the partial carries no fields.
func (p Partial) Empty() bool {
	return p.Sessions == nil &&
		p.Users == nil &&
		p.BytesIn == nil &&
		p.BytesOut == nil &&
		p.SyncLifePoints == nil &&
		p.WalletLifePoints == nil &&
		p.SyncLifeTraffic == nil &&
		p.Messages == nil &&
		p.ProxyConnectionState == nil &&
		p.Availability == nil &&
		p.Reliability == nil &&
		p.Efficiency == nil &&
		p.RatingsBlurbs == nil &&
		p.IsEarning == nil
}

// Merge returns base with every field present in p overwritten.
// Ratings are clamped to [0, WorstRating].
func Merge(base Record, p Partial) Record {
	out := base

	setUint(&out.Sessions, p.Sessions)
	setUint(&out.Users, p.Users)
	setUint(&out.BytesIn, p.BytesIn)
	setUint(&out.BytesOut, p.BytesOut)
	setUint(&out.SyncLifePoints, p.SyncLifePoints)
	setUint(&out.WalletLifePoints, p.WalletLifePoints)
	setUint(&out.SyncLifeTraffic, p.SyncLifeTraffic)
	setUint(&out.Messages, p.Messages)

	if p.ProxyConnectionState != nil && *p.ProxyConnectionState != "" {
		out.ProxyConnectionState = *p.ProxyConnectionState
	}

	setRating(&out.Availability, p.Availability)
	setRating(&out.Reliability, p.Reliability)
	setRating(&out.Efficiency, p.Efficiency)

	if p.RatingsBlurbs != nil {
		out.RatingsBlurbs = append(json.RawMessage(nil), p.RatingsBlurbs...)
	}

	if p.IsEarning != nil {
		out.IsEarning = *p.IsEarning
	}

	return out
}

func setUint(dst *uint64, v *uint64) {
	if v != nil {
		*dst = *v
	}
}

func setRating(dst *int, v *int) {
	if v == nil {
		return
	}

	*dst = ClampRating(*v)
}

// ClampRating bounds a rating to [0, WorstRating].
func ClampRating(v int) int {
	switch {
	case v < 0:
		return 0
	case v > WorstRating:
		return WorstRating
	default:
		return v
	}
}
