package metrics

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Exposition metric names published by the worker's metrics endpoint.
const (
	MetricConnections = "reflector_connections"
	MetricSessions    = "reflector_sessions"
	MetricMessages    = "reflector_messages"
)

// earningKeywords mark a log tail as belonging to an instance that is
// earning points.
var earningKeywords = []string{
	"proxy-connected",
	"registered",
	"session",
	"traffic",
	"stats",
}

var (
	statsPattern   = regexp.MustCompile(`\{.*"syncLifePoints".*\}`)
	talliesPattern = regexp.MustCompile(`\{.*"what":\s*"UPDATE_TALLIES".*\}`)

	pointsPattern   = regexp.MustCompile(`(?i)points?[:\s]+(\d+)`)
	trafficPattern  = regexp.MustCompile(`(?i)traffic[:\s]+(\d+)`)
	sessionsPattern = regexp.MustCompile(`(?i)sessions?[:\s]+(\d+)`)
	usersPattern    = regexp.MustCompile(`(?i)users?[:\s]+(\d+)`)
)

// ParseExposition extracts a record from a Prometheus-style text
// payload. It returns nil unless a connections or sessions sample is
// present.
func ParseExposition(text string) *Record {
	samples := make(map[string]float64, 3)

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}

		fields := strings.Fields(trimmed)
		if len(fields) < 2 {
			continue
		}

		name := fields[0]

		switch name {
		case MetricConnections, MetricSessions, MetricMessages:
		default:
			continue
		}

		// First sample wins.
		if _, seen := samples[name]; seen {
			continue
		}

		value, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			value = 0
		}

		samples[name] = value
	}

	connections, hasConnections := samples[MetricConnections]
	sessions, hasSessions := samples[MetricSessions]

	if !hasConnections && !hasSessions {
		return nil
	}

	active := connections > 0 || sessions > 0

	rec := NewRecord()
	rec.Users = toCount(connections)
	rec.Sessions = toCount(sessions)
	rec.Messages = toCount(samples[MetricMessages])
	rec.IsEarning = active
	rec.DataSource = SourceHTTPMetrics

	if active {
		rec.ProxyConnectionState = StateConnected
	}

	return &rec
}

// ParseLogStats scans a log tail from newest to oldest. The newest
// full-stats object ends the scan; the newest UPDATE_TALLIES object
// seen before it is overlaid on top. It returns nil when neither shape
// is present.
func ParseLogStats(lines []string) *Record {
	var (
		stats   *Partial
		tallies *Partial
	)

	for i := len(lines) - 1; i >= 0; i-- {
		line := lines[i]

		if match := statsPattern.FindString(line); match != "" {
			if p, ok := parseStatsObject(match); ok {
				stats = &p

				break
			}
		}

		if tallies != nil {
			continue
		}

		if match := talliesPattern.FindString(line); match != "" {
			if p, ok := parseTalliesObject(match); ok {
				tallies = &p
			}
		}
	}

	if stats == nil && tallies == nil {
		return nil
	}

	rec := NewRecord()

	if stats != nil {
		rec = Merge(rec, *stats)
	}

	if tallies != nil {
		rec = Merge(rec, *tallies)
	}

	rec.IsEarning = IsEarning(strings.Join(lines, "\n"))
	rec.DataSource = SourceLogParsing

	return &rec
}

// IsEarning applies the keyword heuristic to a block of log text.
func IsEarning(text string) bool {
	for _, kw := range earningKeywords {
		if strings.Contains(text, kw) {
			return true
		}
	}

	return false
}

// ParseOutputLine extracts a partial update from one line of worker
// output. Embedded JSON objects are tried first, then bare key/number
// pairs. Lines matching neither return false.
func ParseOutputLine(line string) (Partial, bool) {
	if match := statsPattern.FindString(line); match != "" {
		if obj, ok := parseObject(match); ok {
			if p := recordFields(obj); !p.Empty() {
				return p, true
			}
		}
	}

	if match := talliesPattern.FindString(line); match != "" {
		if obj, ok := parseObject(match); ok {
			p := recordFields(obj)
			mergeTallies(&p, obj)

			if !p.Empty() {
				return p, true
			}
		}
	}

	return parsePairs(line)
}

func parsePairs(line string) (Partial, bool) {
	var (
		p     Partial
		found bool
	)

	if v, ok := firstNumber(pointsPattern, line); ok {
		p.SyncLifePoints = &v
		found = true
	}

	if v, ok := firstNumber(trafficPattern, line); ok {
		p.SyncLifeTraffic = &v
		found = true
	}

	if v, ok := firstNumber(sessionsPattern, line); ok {
		p.Sessions = &v
		found = true
	}

	if v, ok := firstNumber(usersPattern, line); ok {
		p.Users = &v
		found = true
	}

	return p, found
}

func firstNumber(re *regexp.Regexp, line string) (uint64, bool) {
	m := re.FindStringSubmatch(line)
	if len(m) < 2 {
		return 0, false
	}

	v, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return 0, false
	}

	return v, true
}

func parseObject(raw string) (gjson.Result, bool) {
	if !gjson.Valid(raw) {
		return gjson.Result{}, false
	}

	obj := gjson.Parse(raw)
	if !obj.IsObject() {
		return gjson.Result{}, false
	}

	return obj, true
}

// parseStatsObject accepts only objects carrying lifetime points.
func parseStatsObject(raw string) (Partial, bool) {
	obj, ok := parseObject(raw)
	if !ok {
		return Partial{}, false
	}

	if !obj.Get("syncLifePoints").Exists() && !obj.Get("walletLifePoints").Exists() {
		return Partial{}, false
	}

	return recordFields(obj), true
}

// parseTalliesObject accepts only tallies carrying wallet points.
func parseTalliesObject(raw string) (Partial, bool) {
	obj, ok := parseObject(raw)
	if !ok {
		return Partial{}, false
	}

	if !obj.Get("walletPoints").Exists() {
		return Partial{}, false
	}

	var p Partial

	mergeTallies(&p, obj)

	return p, true
}

// mergeTallies maps UPDATE_TALLIES keys onto record fields. Zero
// lifetime values are treated as absent.
func mergeTallies(p *Partial, obj gjson.Result) {
	if v := uintField(obj, "walletPoints"); v != nil {
		p.WalletLifePoints = v
	}

	if v := uintField(obj, "lifePoints"); v != nil && *v > 0 {
		p.SyncLifePoints = v
	}

	if v := uintField(obj, "lifeTraffic"); v != nil && *v > 0 {
		p.SyncLifeTraffic = v
	}
}

func recordFields(obj gjson.Result) Partial {
	p := Partial{
		Sessions:         uintField(obj, "sessions"),
		Users:            uintField(obj, "users"),
		BytesIn:          uintField(obj, "bytesIn"),
		BytesOut:         uintField(obj, "bytesOut"),
		SyncLifePoints:   uintField(obj, "syncLifePoints"),
		WalletLifePoints: uintField(obj, "walletLifePoints"),
		SyncLifeTraffic:  uintField(obj, "syncLifeTraffic"),
		Availability:     intField(obj, "availability"),
		Reliability:      intField(obj, "reliability"),
		Efficiency:       intField(obj, "efficiency"),
	}

	if r := obj.Get("proxyConnectionState"); r.Type == gjson.String && r.Str != "" {
		state := ConnectionState(r.Str)
		p.ProxyConnectionState = &state
	}

	if r := obj.Get("ratingsBlurbs"); r.Exists() && r.Type != gjson.Null {
		p.RatingsBlurbs = []byte(r.Raw)
	}

	return p
}

func uintField(obj gjson.Result, key string) *uint64 {
	f, ok := numberField(obj, key)
	if !ok {
		return nil
	}

	v := toCount(f)

	return &v
}

func intField(obj gjson.Result, key string) *int {
	f, ok := numberField(obj, key)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}

	v := ClampRating(int(math.Max(-1, math.Min(f, WorstRating+1))))

	return &v
}

func numberField(obj gjson.Result, key string) (float64, bool) {
	r := obj.Get(key)

	switch r.Type {
	case gjson.Number:
		return r.Num, true
	case gjson.String:
		f, err := strconv.ParseFloat(strings.TrimSpace(r.Str), 64)
		if err != nil {
			return 0, false
		}

		return f, true
	default:
		return 0, false
	}
}

// toCount converts a sample value to a non-negative counter.
func toCount(f float64) uint64 {
	switch {
	case math.IsNaN(f) || f <= 0:
		return 0
	case f >= math.MaxUint64:
		return math.MaxUint64
	default:
		return uint64(f)
	}
}
