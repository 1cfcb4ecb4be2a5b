// Command loadtest drives the position endpoint with simulated tourists
// walking random paths, and reports ingest latency percentiles.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type stats struct {
	sent      uint64
	accepted  uint64
	rejected  uint64
	latencies []time.Duration
	mu        sync.Mutex
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Server base URL")
	token := flag.String("token", "", "Bearer token of a tourist principal")
	tourists := flag.Int("tourists", 10, "Number of simulated tourists")
	fixes := flag.Int("fixes", 100, "Fixes per tourist")
	interval := flag.Duration("interval", 100*time.Millisecond, "Delay between fixes per tourist")
	flag.Parse()

	if *token == "" {
		fmt.Println("-token is required")
		return
	}

	fmt.Printf("driving %d tourists x %d fixes against %s\n", *tourists, *fixes, *baseURL)

	s := &stats{}
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < *tourists; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			walk(*baseURL, *token, *fixes, *interval, rand.New(rand.NewSource(seed)), s)
		}(int64(i))
	}
	wg.Wait()

	elapsed := time.Since(start)
	report(s, elapsed)
}

// walk posts a random stroll starting near Connaught Place.
func walk(baseURL, token string, fixes int, interval time.Duration, rng *rand.Rand, s *stats) {
	client := &http.Client{Timeout: 5 * time.Second}
	lat := 28.6139 + rng.Float64()*0.01
	lon := 77.2090 + rng.Float64()*0.01

	for i := 0; i < fixes; i++ {
		lat += (rng.Float64() - 0.5) * 0.0005
		lon += (rng.Float64() - 0.5) * 0.0005

		body, _ := json.Marshal(map[string]interface{}{
			"lat":       lat,
			"lon":       lon,
			"accuracy":  5 + rng.Float64()*20,
			"timestamp": time.Now(),
		})
		req, err := http.NewRequest("POST", baseURL+"/position", bytes.NewReader(body))
		if err != nil {
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)

		begin := time.Now()
		resp, err := client.Do(req)
		latency := time.Since(begin)

		atomic.AddUint64(&s.sent, 1)
		if err != nil {
			atomic.AddUint64(&s.rejected, 1)
		} else {
			if resp.StatusCode == http.StatusOK {
				atomic.AddUint64(&s.accepted, 1)
			} else {
				atomic.AddUint64(&s.rejected, 1)
			}
			resp.Body.Close()
		}

		s.mu.Lock()
		s.latencies = append(s.latencies, latency)
		s.mu.Unlock()

		time.Sleep(interval)
	}
}

func report(s *stats, elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sort.Slice(s.latencies, func(i, j int) bool { return s.latencies[i] < s.latencies[j] })
	pct := func(p float64) time.Duration {
		if len(s.latencies) == 0 {
			return 0
		}
		idx := int(p * float64(len(s.latencies)-1))
		return s.latencies[idx]
	}

	fmt.Printf("sent=%d accepted=%d rejected=%d in %s (%.1f fix/s)\n",
		s.sent, s.accepted, s.rejected, elapsed.Round(time.Millisecond),
		float64(s.sent)/elapsed.Seconds())
	fmt.Printf("latency p50=%s p95=%s p99=%s max=%s\n",
		pct(0.50).Round(time.Microsecond), pct(0.95).Round(time.Microsecond),
		pct(0.99).Round(time.Microsecond), pct(1.0).Round(time.Microsecond))
}
