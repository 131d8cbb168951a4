package main

import (
	"math/rand"
	"testing"
	"time"
)

func checkByName(t *testing.T, checks []budgetCheck, name string) budgetCheck {
	t.Helper()
	for _, c := range checks {
		if c.name == name {
			return c
		}
	}
	t.Fatalf("no budget check named %q", name)
	return budgetCheck{}
}

func TestBudgetChecks(t *testing.T) {
	// Everything inside budget, including a sub-1% failure rate.
	checks := budgetChecks(20*time.Millisecond, 80*time.Millisecond, 1500, 0.005)
	for _, c := range checks {
		if !c.ok {
			t.Errorf("check %s failed within budget: %s", c.name, c.detail)
		}
	}

	// Each line trips independently.
	checks = budgetChecks(60*time.Millisecond, 120*time.Millisecond, 900, 0.02)
	for _, name := range []string{"mean", "p95", "tps", "failures"} {
		if checkByName(t, checks, name).ok {
			t.Errorf("check %s passed out of budget", name)
		}
	}

	// Failure rate gate sits at 1%: exactly 1% passes, above it fails.
	if !checkByName(t, budgetChecks(0, 0, 2000, 0.01), "failures").ok {
		t.Error("1%% failure rate should pass")
	}
	if checkByName(t, budgetChecks(0, 0, 2000, 0.011), "failures").ok {
		t.Error("1.1%% failure rate should fail")
	}
}

func TestPickScenarioCoversAll(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	seen := map[string]int{}
	for i := 0; i < 10000; i++ {
		seen[pickScenario(r).name]++
	}
	for _, s := range scenarios {
		if seen[s.name] == 0 {
			t.Errorf("scenario %s never picked", s.name)
		}
	}
	if seen["normal"] <= seen["rapid_repeat"] {
		t.Errorf("weights ignored: normal=%d rapid_repeat=%d", seen["normal"], seen["rapid_repeat"])
	}
}
