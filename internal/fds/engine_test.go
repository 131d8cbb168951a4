package fds

import (
	"errors"
	"testing"
	"time"

	"github.com/jihosong-sjh/ShopFDS-sub004/internal/cti"
)

func factorByName(factors []Factor, name string) Factor {
	for _, f := range factors {
		if f.Name == name {
			return f
		}
	}
	return Factor{}
}

func seedWindow(e *Engine, userID string, entries []windowEntry) {
	w := e.getWindow(userID)
	w.mu.Lock()
	w.entries = append(w.entries, entries...)
	w.mu.Unlock()
}

func TestNormalTransactionScoresLow(t *testing.T) {
	engine := NewEngine(nil)

	// Seed history spread over 24h on a known device
	var seed []windowEntry
	for i := 0; i < 20; i++ {
		seed = append(seed, windowEntry{
			Amount:    50000,
			DeviceID:  "dev-1",
			Country:   "KR",
			Timestamp: time.Now().Add(-time.Duration(i) * time.Hour),
		})
	}
	seedWindow(engine, "user-1", seed)

	tx := &Transaction{
		ID:       "tx-1",
		UserID:   "user-1",
		Amount:   50000,
		Currency: "KRW",
		IP:       "203.0.113.10",
		Country:  "KR",
		DeviceID: "dev-1",
	}
	factors, score := engine.Score(tx, &cti.Summary{Verdict: cti.VerdictClean})
	if score >= 0.3 {
		t.Errorf("normal transaction score too high: %f (factors: %v)", score, factors)
	}
}

func TestAmountFactorScaling(t *testing.T) {
	engine := NewEngine(nil)

	tests := []struct {
		amount float64
		want   float64
	}{
		{50000, 0.0},
		{100000, 0.0},
		{1000000, 0.5},
		{10000000, 1.0},
		{100000000, 1.0}, // capped
	}
	for _, tt := range tests {
		f := engine.amountFactor(tt.amount)
		if f.Score != tt.want {
			t.Errorf("amountFactor(%.0f) = %f, want %f", tt.amount, f.Score, tt.want)
		}
	}
}

func TestVelocitySpike(t *testing.T) {
	engine := NewEngine(nil)

	// Low-rate history: small amounts spread over 24h
	var seed []windowEntry
	for i := 0; i < 50; i++ {
		seed = append(seed, windowEntry{
			Amount:    1000,
			DeviceID:  "dev-1",
			Timestamp: time.Now().Add(-time.Duration(i+1) * 30 * time.Minute),
		})
	}
	seedWindow(engine, "user-1", seed)

	tx := &Transaction{ID: "tx-1", UserID: "user-1", Amount: 100000, IP: "203.0.113.10"}
	factors, _ := engine.Score(tx, nil)
	if v := factorByName(factors, "velocity"); v.Score < 0.7 {
		t.Errorf("velocity factor too low for spike: %f", v.Score)
	}
}

func TestRapidFireForcesVelocityCeiling(t *testing.T) {
	engine := NewEngine(nil)

	// 4 transactions in the last few seconds, the 5th trips the ceiling
	var seed []windowEntry
	for i := 0; i < 4; i++ {
		seed = append(seed, windowEntry{
			Amount:    1000,
			Timestamp: time.Now().Add(-time.Duration(i) * time.Second),
		})
	}
	seedWindow(engine, "user-1", seed)

	tx := &Transaction{ID: "tx-5", UserID: "user-1", Amount: 1000, IP: "203.0.113.10"}
	factors, _ := engine.Score(tx, nil)
	if v := factorByName(factors, "velocity"); v.Score != 1.0 {
		t.Errorf("rapid-fire velocity should be 1.0, got %f", v.Score)
	}
}

func TestCTIFactor(t *testing.T) {
	engine := NewEngine(nil)

	tests := []struct {
		name  string
		intel *cti.Summary
		want  float64
	}{
		{"nil summary", nil, 0.0},
		{"clean", &cti.Summary{Verdict: cti.VerdictClean}, 0.0},
		{"unknown", &cti.Summary{Verdict: cti.VerdictUnknown}, 0.0},
		{"suspicious", &cti.Summary{Verdict: cti.VerdictSuspicious}, 0.6},
		{"tor exit", &cti.Summary{Verdict: cti.VerdictUnknown, TORExit: true}, 0.9},
		{"malicious", &cti.Summary{Verdict: cti.VerdictMalicious}, 1.0},
		{"malicious tor", &cti.Summary{Verdict: cti.VerdictMalicious, TORExit: true}, 1.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if f := engine.ctiFactor(tt.intel); f.Score != tt.want {
				t.Errorf("ctiFactor = %f, want %f", f.Score, tt.want)
			}
		})
	}
}

type stubGeo struct {
	country string
	err     error
}

func (g stubGeo) Country(ip string) (string, error) { return g.country, g.err }

func TestGeoFactor(t *testing.T) {
	tx := &Transaction{ID: "tx-1", UserID: "user-1", Amount: 1000, IP: "203.0.113.10", Country: "KR"}

	engine := NewEngine(stubGeo{country: "KR"})
	if f := engine.geoFactor(tx); f.Score != 0.0 {
		t.Errorf("matching country should score 0, got %f", f.Score)
	}

	engine = NewEngine(stubGeo{country: "RU"})
	if f := engine.geoFactor(tx); f.Score != 0.7 {
		t.Errorf("mismatched country should score 0.7, got %f", f.Score)
	}

	engine = NewEngine(stubGeo{err: errors.New("db closed")})
	if f := engine.geoFactor(tx); f.Score != 0.0 {
		t.Errorf("resolver error should score 0, got %f", f.Score)
	}

	engine = NewEngine(nil)
	if f := engine.geoFactor(tx); f.Score != 0.0 {
		t.Errorf("nil resolver should score 0, got %f", f.Score)
	}
}

func TestDeviceFactor(t *testing.T) {
	engine := NewEngine(nil)

	// Cold start is safe
	factors, _ := engine.Score(&Transaction{ID: "t", UserID: "u-cold", Amount: 1, DeviceID: "dev-x"}, nil)
	if f := factorByName(factors, "device"); f.Score != 0.0 {
		t.Errorf("cold start device factor should be 0, got %f", f.Score)
	}

	// History on a different device makes an unseen device suspicious
	var seed []windowEntry
	for i := 0; i < 10; i++ {
		seed = append(seed, windowEntry{
			Amount:    1000,
			DeviceID:  "dev-known",
			Timestamp: time.Now().Add(-time.Duration(i+1) * time.Hour),
		})
	}
	seedWindow(engine, "user-1", seed)

	factors, _ = engine.Score(&Transaction{ID: "t", UserID: "user-1", Amount: 1, DeviceID: "dev-new"}, nil)
	if f := factorByName(factors, "device"); f.Score != 0.6 {
		t.Errorf("unseen device factor should be 0.6, got %f", f.Score)
	}

	factors, _ = engine.Score(&Transaction{ID: "t", UserID: "user-1", Amount: 1, DeviceID: "dev-known"}, nil)
	if f := factorByName(factors, "device"); f.Score != 0.0 {
		t.Errorf("known device factor should be 0, got %f", f.Score)
	}
}

func TestScoreClampedToOne(t *testing.T) {
	engine := NewEngine(stubGeo{country: "RU"})

	var seed []windowEntry
	for i := 0; i < 6; i++ {
		seed = append(seed, windowEntry{
			Amount:    1000,
			DeviceID:  "dev-other",
			Timestamp: time.Now().Add(-time.Duration(i) * time.Second),
		})
	}
	seedWindow(engine, "user-1", seed)

	tx := &Transaction{
		ID: "tx-1", UserID: "user-1", Amount: 50000000,
		IP: "203.0.113.10", Country: "KR", DeviceID: "dev-new",
	}
	_, score := engine.Score(tx, &cti.Summary{Verdict: cti.VerdictMalicious, TORExit: true})
	if score > 1.0 {
		t.Errorf("score must be clamped to 1.0, got %f", score)
	}
	if score < 0.9 {
		t.Errorf("worst-case transaction should score near 1.0, got %f", score)
	}
}

func TestWindowPruning(t *testing.T) {
	engine := NewEngine(nil)

	seedWindow(engine, "user-1", []windowEntry{
		{Amount: 1000, Timestamp: time.Now().Add(-25 * time.Hour)},
		{Amount: 1000, Timestamp: time.Now().Add(-1 * time.Hour)},
	})
	engine.RecordTransaction(&Transaction{ID: "t", UserID: "user-1", Amount: 500})

	w := engine.getWindow("user-1")
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.entries) != 2 {
		t.Errorf("expired entry should be pruned, have %d entries", len(w.entries))
	}
}

func TestTxCountWithin(t *testing.T) {
	engine := NewEngine(nil)

	seedWindow(engine, "user-1", []windowEntry{
		{Amount: 1, Timestamp: time.Now().Add(-time.Minute)},
		{Amount: 1, Timestamp: time.Now().Add(-5 * time.Second)},
		{Amount: 1, Timestamp: time.Now().Add(-2 * time.Second)},
	})
	if got := engine.TxCountWithin("user-1", 10*time.Second); got != 2 {
		t.Errorf("TxCountWithin = %d, want 2", got)
	}
	if got := engine.TxCountWithin("user-unknown", 10*time.Second); got != 0 {
		t.Errorf("TxCountWithin for unknown user = %d, want 0", got)
	}
}
