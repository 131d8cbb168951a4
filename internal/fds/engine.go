package fds

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/jihosong-sjh/ShopFDS-sub004/internal/cti"
)

// windowEntry records a single transaction for sliding-window analysis.
type windowEntry struct {
	Amount    float64
	DeviceID  string
	Country   string
	Timestamp time.Time
}

const (
	maxWindowSize  = 1000
	windowDuration = 24 * time.Hour

	rapidWindow = 10 * time.Second
	rapidCount  = 5

	weightAmount   = 0.25
	weightVelocity = 0.30
	weightCTI      = 0.25
	weightGeo      = 0.10
	weightDevice   = 0.10
)

// GeoResolver maps an IP address to an ISO 3166-1 alpha-2 country code.
type GeoResolver interface {
	Country(ip string) (string, error)
}

// Engine scores transactions using in-memory sliding windows per user.
type Engine struct {
	windows sync.Map // map[string]*userWindow
	geo     GeoResolver

	now func() time.Time // test hook
}

type userWindow struct {
	mu      sync.Mutex
	entries []windowEntry
}

// NewEngine creates a fraud scoring engine. geo may be nil, in which case the
// geo-mismatch factor always reads 0.
func NewEngine(geo GeoResolver) *Engine {
	return &Engine{geo: geo, now: time.Now}
}

// Score evaluates a transaction against the 5 weighted factors and returns
// the factor breakdown plus the clamped composite score.
// Pure in-memory computation aside from the geo lookup.
func (e *Engine) Score(tx *Transaction, intel *cti.Summary) ([]Factor, float64) {
	w := e.getWindow(tx.UserID)
	w.mu.Lock()
	entries := e.snapshotEntries(w)
	w.mu.Unlock()

	factors := []Factor{
		e.amountFactor(tx.Amount),
		e.velocityFactor(entries, tx.Amount),
		e.ctiFactor(intel),
		e.geoFactor(tx),
		e.deviceFactor(entries, tx.DeviceID),
	}

	var score float64
	for _, f := range factors {
		score += f.Score * f.Weight
	}

	// Clamp to [0, 1]
	if score > 1.0 {
		score = 1.0
	}
	if score < 0.0 {
		score = 0.0
	}
	return factors, math.Round(score*1000) / 1000
}

// RecordTransaction appends an evaluated transaction to the sliding window.
func (e *Engine) RecordTransaction(tx *Transaction) {
	w := e.getWindow(tx.UserID)
	w.mu.Lock()
	defer w.mu.Unlock()

	w.entries = append(w.entries, windowEntry{
		Amount:    tx.Amount,
		DeviceID:  tx.DeviceID,
		Country:   tx.Country,
		Timestamp: e.now(),
	})
	e.pruneWindow(w)
}

// TxCountWithin reports how many transactions the user made in the last d.
func (e *Engine) TxCountWithin(userID string, d time.Duration) int {
	w := e.getWindow(userID)
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := e.now().Add(-d)
	count := 0
	for i := len(w.entries) - 1; i >= 0; i-- {
		if !w.entries[i].Timestamp.After(cutoff) {
			break
		}
		count++
	}
	return count
}

// DailySum returns the user's total transaction amount over the window.
func (e *Engine) DailySum(userID string) float64 {
	w := e.getWindow(userID)
	w.mu.Lock()
	entries := e.snapshotEntries(w)
	w.mu.Unlock()

	var total float64
	for _, entry := range entries {
		total += entry.Amount
	}
	return total
}

// SeenDevice reports whether the user has transacted with this device before.
func (e *Engine) SeenDevice(userID, deviceID string) bool {
	if deviceID == "" {
		return false
	}
	w := e.getWindow(userID)
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, entry := range w.entries {
		if entry.DeviceID == deviceID {
			return true
		}
	}
	return false
}

func (e *Engine) getWindow(userID string) *userWindow {
	v, _ := e.windows.LoadOrStore(userID, &userWindow{})
	return v.(*userWindow)
}

// snapshotEntries returns a copy of non-expired entries (caller holds lock).
func (e *Engine) snapshotEntries(w *userWindow) []windowEntry {
	cutoff := e.now().Add(-windowDuration)
	result := make([]windowEntry, 0, len(w.entries))
	for _, entry := range w.entries {
		if entry.Timestamp.After(cutoff) {
			result = append(result, entry)
		}
	}
	return result
}

// pruneWindow removes entries older than 24h and caps at maxWindowSize.
func (e *Engine) pruneWindow(w *userWindow) {
	cutoff := e.now().Add(-windowDuration)
	start := 0
	for start < len(w.entries) && w.entries[start].Timestamp.Before(cutoff) {
		start++
	}
	if start > 0 {
		w.entries = w.entries[start:]
	}
	if len(w.entries) > maxWindowSize {
		w.entries = w.entries[len(w.entries)-maxWindowSize:]
	}
}

// amountFactor: log-scaled absolute amount. 100K KRW = 0.0, 1M = 0.5, 10M = 1.0.
func (e *Engine) amountFactor(amount float64) Factor {
	f := Factor{Name: "amount", Weight: weightAmount}
	if amount <= 0 {
		return f
	}
	ratio := amount / 100000.0
	if ratio <= 1.0 {
		return f
	}
	score := math.Log10(ratio) / 2.0
	if score > 1.0 {
		score = 1.0
	}
	f.Score = math.Round(score*1000) / 1000
	return f
}

// velocityFactor: 5-min spend rate vs 24h average, log10 scaled, with a hard
// ceiling for rapid-fire bursts (5+ transactions inside 10 seconds).
func (e *Engine) velocityFactor(entries []windowEntry, currentAmount float64) Factor {
	f := Factor{Name: "velocity", Weight: weightVelocity}

	now := e.now()
	rapidCutoff := now.Add(-rapidWindow)
	rapid := 1 // current transaction counts
	for i := len(entries) - 1; i >= 0; i-- {
		if !entries[i].Timestamp.After(rapidCutoff) {
			break
		}
		rapid++
	}
	if rapid >= rapidCount {
		f.Score = 1.0
		f.Detail = fmt.Sprintf("%d transactions in %s", rapid, rapidWindow)
		return f
	}

	if len(entries) < 2 {
		return f // not enough history
	}

	fiveMinAgo := now.Add(-5 * time.Minute)
	var totalSpent24h, spent5min float64
	for _, entry := range entries {
		totalSpent24h += entry.Amount
		if entry.Timestamp.After(fiveMinAgo) {
			spent5min += entry.Amount
		}
	}
	spent5min += currentAmount

	// 24h = 288 five-minute windows
	avg5minRate := totalSpent24h / 288.0
	if avg5minRate <= 0 {
		return f
	}

	ratio := spent5min / avg5minRate
	if ratio <= 1.0 {
		return f
	}

	// log10(ratio) / 2: 10x→0.5, 100x→1.0
	score := math.Log10(ratio) / 2.0
	if score > 1.0 {
		score = 1.0
	}
	f.Score = math.Round(score*1000) / 1000
	return f
}

// ctiFactor maps the threat-intel verdict onto a score.
func (e *Engine) ctiFactor(intel *cti.Summary) Factor {
	f := Factor{Name: "cti", Weight: weightCTI}
	if intel == nil {
		return f
	}
	switch {
	case intel.Verdict == cti.VerdictMalicious:
		f.Score = 1.0
	case intel.TORExit:
		f.Score = 0.9
	case intel.Verdict == cti.VerdictSuspicious:
		f.Score = 0.6
	}
	if f.Score > 0 {
		f.Detail = string(intel.Verdict)
		if intel.TORExit {
			f.Detail += " (tor exit)"
		}
	}
	return f
}

// geoFactor: declared country disagrees with the IP's country = 0.7.
// Missing data on either side scores 0.
func (e *Engine) geoFactor(tx *Transaction) Factor {
	f := Factor{Name: "geo", Weight: weightGeo}
	if e.geo == nil || tx.Country == "" || tx.IP == "" {
		return f
	}
	ipCountry, err := e.geo.Country(tx.IP)
	if err != nil || ipCountry == "" {
		return f
	}
	if ipCountry != tx.Country {
		f.Score = 0.7
		f.Detail = fmt.Sprintf("declared %s, ip resolves to %s", tx.Country, ipCountry)
	}
	return f
}

// deviceFactor: score based on how often we've seen this device for the user.
// Never seen = 0.6, seen 1-2x = 0.3, seen 3+ = 0.0. Cold start = 0.0.
func (e *Engine) deviceFactor(entries []windowEntry, deviceID string) Factor {
	f := Factor{Name: "device", Weight: weightDevice}
	if deviceID == "" {
		return f
	}
	count := 0
	for _, entry := range entries {
		if entry.DeviceID == deviceID {
			count++
		}
	}
	switch {
	case count >= 3:
	case count >= 1:
		f.Score = 0.3
	default:
		if len(entries) == 0 {
			// No history at all, cold start, treat as safe
			return f
		}
		f.Score = 0.6
		f.Detail = "first time seeing this device"
	}
	return f
}
