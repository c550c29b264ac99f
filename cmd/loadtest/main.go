package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/kenneth/media-relay/internal/envelope"
	"github.com/sirupsen/logrus"
)

const fixturePath = "/v/t62.7118-24/loadtest.enc"

// LoadTestResults summarizes one run.
type LoadTestResults struct {
	Timestamp      time.Time      `json:"timestamp"`
	Duration       time.Duration  `json:"duration"`
	Workers        int            `json:"workers"`
	ObjectSize     int64          `json:"object_size"`
	TotalRequests  int            `json:"total_requests"`
	Succeeded      int            `json:"succeeded"`
	Failed         int            `json:"failed"`
	FailuresByCode map[string]int `json:"failures_by_code"`
	RequestsPerSec float64        `json:"requests_per_sec"`
	ThroughputMBps float64        `json:"throughput_mbps"`
	LatencyP50     time.Duration  `json:"latency_p50"`
	LatencyP95     time.Duration  `json:"latency_p95"`
	LatencyP99     time.Duration  `json:"latency_p99"`
	LatencyMax     time.Duration  `json:"latency_max"`
}

type sample struct {
	latency time.Duration
	code    string
}

func main() {
	var (
		relayURL       = flag.String("relay-url", "http://localhost:3000", "Media relay base URL")
		listenAddr     = flag.String("listen", "127.0.0.1:0", "Address of the fixture media origin")
		originURL      = flag.String("origin-url", "", "Origin base URL as seen by the relay (defaults to the listen address)")
		duration       = flag.Duration("duration", 30*time.Second, "Test duration")
		workers        = flag.Int("workers", 5, "Number of worker goroutines")
		qps            = flag.Int("qps", 5, "Requests per second per worker")
		objectSize     = flag.Int64("object-size", 4*1024*1024, "Plaintext media size in bytes")
		mediaType      = flag.String("media-type", "video", "Media category sent to the relay")
		mimeType       = flag.String("mimetype", "video/mp4", "MIME type sent to the relay")
		baselineFile   = flag.String("baseline", "testdata/baselines/relay_load_test_baseline.json", "Baseline results file")
		threshold      = flag.Float64("threshold", 10.0, "Regression threshold percentage on p95 latency")
		updateBaseline = flag.Bool("update-baseline", false, "Write results as the new baseline instead of checking regression")
		verbose        = flag.Bool("verbose", false, "Enable verbose logging")
	)
	flag.Parse()

	logger := logrus.New()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mediaKey, sealed, err := buildFixture(*objectSize, *mediaType)
	if err != nil {
		log.Fatalf("Failed to build fixture: %v", err)
	}

	listener, err := net.Listen("tcp", *listenAddr)
	if err != nil {
		log.Fatalf("Failed to start fixture origin: %v", err)
	}
	origin := &http.Server{Handler: fixtureHandler(sealed)}
	go origin.Serve(listener)
	defer origin.Close()

	base := *originURL
	if base == "" {
		base = "http://" + listener.Addr().String()
	}

	fmt.Println("=== Media Relay Load Test Runner ===")
	fmt.Printf("Relay URL: %s\n", *relayURL)
	fmt.Printf("Origin URL: %s\n", base)
	fmt.Printf("Duration: %v\n", *duration)
	fmt.Printf("Workers: %d\n", *workers)
	fmt.Printf("QPS per Worker: %d\n", *qps)
	fmt.Printf("Object Size: %d bytes (%d sealed)\n", *objectSize, len(sealed))
	fmt.Println()

	body := map[string]interface{}{
		"url":        base + fixturePath + "?oh=loadtest&oe=0",
		"mediaKey":   base64.StdEncoding.EncodeToString(mediaKey),
		"mimetype":   *mimeType,
		"remoteJid":  "loadtest@s.whatsapp.net",
		"mediaType":  *mediaType,
		"instanceId": "loadtest",
		"folderName": "loadtest",
	}

	results := run(ctx, *relayURL, body, *workers, *qps, *duration, *objectSize, logger)
	printResults(results)

	if *updateBaseline {
		if err := writeBaseline(*baselineFile, results); err != nil {
			log.Fatalf("Failed to write baseline: %v", err)
		}
		fmt.Println("✅ Baseline updated")
		return
	}

	regressed, err := checkRegression(*baselineFile, results, *threshold)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("ℹ️  No baseline found - run with -update-baseline to create one")
			return
		}
		log.Fatalf("Regression analysis failed: %v", err)
	}
	if regressed || results.Failed > 0 {
		fmt.Println("❌ Load test failed")
		os.Exit(1)
	}
	fmt.Println("✅ Load test passed")
}

func buildFixture(size int64, mediaType string) ([]byte, []byte, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, nil, err
	}
	plaintext := make([]byte, size)
	if _, err := rand.Read(plaintext); err != nil {
		return nil, nil, err
	}
	sealed, err := envelope.Seal(plaintext, key, mediaType)
	if err != nil {
		return nil, nil, err
	}
	return key, sealed, nil
}

func fixtureHandler(sealed []byte) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != fixturePath {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		http.ServeContent(w, r, "loadtest.enc", time.Time{}, bytes.NewReader(sealed))
	})
}

func run(ctx context.Context, relayURL string, body map[string]interface{}, workers, qps int, duration time.Duration, objectSize int64, logger *logrus.Logger) *LoadTestResults {
	payload, _ := json.Marshal(body)
	client := &http.Client{Timeout: 5 * time.Minute}

	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	var (
		mu      sync.Mutex
		samples []sample
		wg      sync.WaitGroup
	)
	interval := time.Second / time.Duration(max(qps, 1))
	start := time.Now()

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
				s := relayOnce(ctx, client, relayURL, payload)
				if s.code == "" {
					return
				}
				logger.WithFields(logrus.Fields{
					"worker":     worker,
					"code":       s.code,
					"latency_ms": s.latency.Milliseconds(),
				}).Debug("Relay request")
				mu.Lock()
				samples = append(samples, s)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	return summarize(samples, time.Since(start), workers, objectSize)
}

// relayOnce returns a sample with an empty code when the run was cancelled.
func relayOnce(ctx context.Context, client *http.Client, relayURL string, payload []byte) sample {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, relayURL+"/v1/download-media", bytes.NewReader(payload))
	if err != nil {
		return sample{code: "request_error"}
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := client.Do(req)
	latency := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			return sample{}
		}
		return sample{latency: latency, code: "transport_error"}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return sample{latency: latency, code: fmt.Sprintf("%d", resp.StatusCode)}
}

func summarize(samples []sample, elapsed time.Duration, workers int, objectSize int64) *LoadTestResults {
	res := &LoadTestResults{
		Timestamp:      time.Now().UTC(),
		Duration:       elapsed,
		Workers:        workers,
		ObjectSize:     objectSize,
		TotalRequests:  len(samples),
		FailuresByCode: map[string]int{},
	}

	latencies := make([]time.Duration, 0, len(samples))
	for _, s := range samples {
		if s.code == "200" {
			res.Succeeded++
			latencies = append(latencies, s.latency)
			continue
		}
		res.Failed++
		res.FailuresByCode[s.code]++
	}

	if secs := elapsed.Seconds(); secs > 0 {
		res.RequestsPerSec = float64(res.TotalRequests) / secs
		res.ThroughputMBps = float64(int64(res.Succeeded)*objectSize) / secs / (1024 * 1024)
	}

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	res.LatencyP50 = percentile(latencies, 0.50)
	res.LatencyP95 = percentile(latencies, 0.95)
	res.LatencyP99 = percentile(latencies, 0.99)
	if len(latencies) > 0 {
		res.LatencyMax = latencies[len(latencies)-1]
	}
	return res
}

// percentile expects sorted input.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}

func printResults(r *LoadTestResults) {
	fmt.Println("--- Results ---")
	fmt.Printf("Requests: %d (%d ok, %d failed)\n", r.TotalRequests, r.Succeeded, r.Failed)
	for code, n := range r.FailuresByCode {
		fmt.Printf("  %s: %d\n", code, n)
	}
	fmt.Printf("Rate: %.2f req/s, %.2f MB/s\n", r.RequestsPerSec, r.ThroughputMBps)
	fmt.Printf("Latency p50=%v p95=%v p99=%v max=%v\n", r.LatencyP50, r.LatencyP95, r.LatencyP99, r.LatencyMax)
	fmt.Println()
}

func writeBaseline(path string, r *LoadTestResults) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func checkRegression(path string, current *LoadTestResults, threshold float64) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	var baseline LoadTestResults
	if err := json.Unmarshal(data, &baseline); err != nil {
		return false, fmt.Errorf("failed to parse baseline: %w", err)
	}
	if baseline.LatencyP95 == 0 {
		return false, nil
	}

	change := (float64(current.LatencyP95) - float64(baseline.LatencyP95)) / float64(baseline.LatencyP95) * 100
	fmt.Printf("p95 latency: baseline %v, current %v (%+.1f%%)\n", baseline.LatencyP95, current.LatencyP95, change)
	return change > threshold, nil
}
