// Command loadgen drives synthetic transaction traffic at the decision
// endpoint and reports latency percentiles against the performance budget.
//
// Exit code is non-zero when any budget line is breached, so it can gate a
// deploy pipeline.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Performance budget.
const (
	budgetMeanLatency = 50 * time.Millisecond
	budgetP95Latency  = 100 * time.Millisecond
	budgetMinTPS      = 1000.0
	budgetMaxFailRate = 0.01
)

type scenario struct {
	name   string
	weight int
	build  func(r *rand.Rand, seq int) map[string]interface{}
}

var scenarios = []scenario{
	{
		name:   "normal",
		weight: 10,
		build: func(r *rand.Rand, seq int) map[string]interface{} {
			return transaction(seq,
				fmt.Sprintf("user-%04d", r.Intn(2000)),
				10000+r.Float64()*90000,
				fmt.Sprintf("203.0.113.%d", r.Intn(254)+1),
				fmt.Sprintf("dev-%04d", r.Intn(2000)),
			)
		},
	},
	{
		name:   "high_value",
		weight: 5,
		build: func(r *rand.Rand, seq int) map[string]interface{} {
			return transaction(seq,
				fmt.Sprintf("user-%04d", r.Intn(2000)),
				1000000+r.Float64()*2000000,
				fmt.Sprintf("203.0.113.%d", r.Intn(254)+1),
				fmt.Sprintf("dev-%04d", r.Intn(2000)),
			)
		},
	},
	{
		name:   "tor_exit",
		weight: 2,
		build: func(r *rand.Rand, seq int) map[string]interface{} {
			return transaction(seq,
				fmt.Sprintf("user-tor-%03d", r.Intn(100)),
				5000000,
				fmt.Sprintf("198.51.100.%d", r.Intn(254)+1),
				fmt.Sprintf("dev-tor-%03d", r.Intn(100)),
			)
		},
	},
	{
		// Same user and device hammering the endpoint, trips the
		// rapid-fire velocity ceiling.
		name:   "rapid_repeat",
		weight: 1,
		build: func(r *rand.Rand, seq int) map[string]interface{} {
			return transaction(seq, "user-rapid", 30000, "203.0.113.250", "dev-rapid")
		},
	},
}

func transaction(seq int, userID string, amount float64, ip, deviceID string) map[string]interface{} {
	return map[string]interface{}{
		"transactionId": fmt.Sprintf("loadgen-%d-%d", time.Now().UnixNano(), seq),
		"userId":        userID,
		"amount":        amount,
		"currency":      "KRW",
		"ip":            ip,
		"country":       "KR",
		"deviceId":      deviceID,
	}
}

func pickScenario(r *rand.Rand) scenario {
	total := 0
	for _, s := range scenarios {
		total += s.weight
	}
	n := r.Intn(total)
	for _, s := range scenarios {
		n -= s.weight
		if n < 0 {
			return s
		}
	}
	return scenarios[0]
}

type result struct {
	latency time.Duration
	err     error
	status  int
}

func main() {
	var (
		target      = flag.String("target", "http://localhost:8085/v1/fds/evaluate", "evaluate endpoint URL")
		duration    = flag.Duration("duration", 30*time.Second, "test duration")
		concurrency = flag.Int("concurrency", 64, "number of worker goroutines")
	)
	flag.Parse()

	fmt.Printf("target:      %s\n", *target)
	fmt.Printf("duration:    %s\n", *duration)
	fmt.Printf("concurrency: %d\n", *concurrency)

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	client := &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			MaxIdleConnsPerHost: *concurrency,
		},
	}

	var mu sync.Mutex
	var results []result
	byScenario := make(map[string]int)

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < *concurrency; w++ {
		g.Go(func() error {
			r := rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(rand.Int())))
			seq := 0
			for gctx.Err() == nil {
				seq++
				s := pickScenario(r)
				res := fire(gctx, client, *target, s.build(r, seq))
				mu.Lock()
				results = append(results, res)
				byScenario[s.name]++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	elapsed := time.Since(start)

	report(results, byScenario, elapsed)
}

func fire(ctx context.Context, client *http.Client, target string, payload map[string]interface{}) result {
	body, err := json.Marshal(payload)
	if err != nil {
		return result{err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return result{err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	begin := time.Now()
	resp, err := client.Do(req)
	latency := time.Since(begin)
	if err != nil {
		if ctx.Err() != nil {
			// Cut off by the deadline, not a real failure
			return result{err: ctx.Err()}
		}
		return result{latency: latency, err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	return result{latency: latency, status: resp.StatusCode}
}

func report(results []result, byScenario map[string]int, elapsed time.Duration) {
	var latencies []time.Duration
	completed, failed := 0, 0
	for _, r := range results {
		if r.err != nil {
			if r.err == context.DeadlineExceeded || r.err == context.Canceled {
				continue
			}
			failed++
			continue
		}
		if r.status != http.StatusOK {
			failed++
			continue
		}
		completed++
		latencies = append(latencies, r.latency)
	}

	total := completed + failed
	if total == 0 {
		fmt.Println("no requests completed")
		os.Exit(1)
	}

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	var mean, p95, p99 time.Duration
	if len(latencies) > 0 {
		mean = sum / time.Duration(len(latencies))
		p95 = latencies[len(latencies)*95/100]
		p99 = latencies[len(latencies)*99/100]
	}
	tps := float64(completed) / elapsed.Seconds()
	failRate := float64(failed) / float64(total)

	fmt.Println()
	fmt.Println("scenario mix:")
	for _, s := range scenarios {
		fmt.Printf("  %-13s %d\n", s.name, byScenario[s.name])
	}
	fmt.Println()
	fmt.Printf("requests:     %d (%d ok, %d failed)\n", total, completed, failed)
	fmt.Printf("throughput:   %.1f tps\n", tps)
	fmt.Printf("latency mean: %s\n", mean.Round(time.Microsecond))
	fmt.Printf("latency p95:  %s\n", p95.Round(time.Microsecond))
	fmt.Printf("latency p99:  %s\n", p99.Round(time.Microsecond))
	fmt.Printf("failure rate: %.2f%%\n", failRate*100)
	fmt.Println()

	pass := true
	for _, c := range budgetChecks(mean, p95, tps, failRate) {
		status := "PASS"
		if !c.ok {
			status = "FAIL"
			pass = false
		}
		fmt.Printf("  [%s] %-12s %s\n", status, c.name, c.detail)
	}

	if !pass {
		os.Exit(1)
	}
}

type budgetCheck struct {
	name   string
	ok     bool
	detail string
}

func budgetChecks(mean, p95 time.Duration, tps, failRate float64) []budgetCheck {
	return []budgetCheck{
		{"mean", mean <= budgetMeanLatency, fmt.Sprintf("%s <= %s", mean.Round(time.Microsecond), budgetMeanLatency)},
		{"p95", p95 <= budgetP95Latency, fmt.Sprintf("%s <= %s", p95.Round(time.Microsecond), budgetP95Latency)},
		{"tps", tps >= budgetMinTPS, fmt.Sprintf("%.1f >= %.0f", tps, budgetMinTPS)},
		{"failures", failRate <= budgetMaxFailRate, fmt.Sprintf("%.2f%% <= %.2f%%", failRate*100, budgetMaxFailRate*100)},
	}
}
