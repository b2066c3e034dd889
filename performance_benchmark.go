package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/freewebtopdf/history-sanitizer/internal/api"
	"github.com/freewebtopdf/history-sanitizer/internal/cache"
	"github.com/freewebtopdf/history-sanitizer/internal/config"
	"github.com/freewebtopdf/history-sanitizer/internal/domain"
	"github.com/freewebtopdf/history-sanitizer/internal/health"
	"github.com/freewebtopdf/history-sanitizer/internal/history"
	"github.com/freewebtopdf/history-sanitizer/internal/sanitizer"
	"github.com/freewebtopdf/history-sanitizer/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		return
	}

	dataDir, err := os.MkdirTemp("", "history-sanitizer-bench-*")
	if err != nil {
		fmt.Printf("Failed to create data dir: %v\n", err)
		return
	}
	defer os.RemoveAll(dataDir)

	// Always a scratch file store and a dry-run history, never the real profile
	store := storage.NewFileStore(filepath.Join(dataDir, "state.yaml"), cfg.Storage.WatchInterval)
	deleter := history.NewDryRunHistory()
	lruCache := cache.NewLRUCache(cfg.Cache.MaxSize)

	ctx := context.Background()
	seed := []domain.Rule{
		domain.NewRule("example.com", domain.RuleTypeDomain),
		domain.NewRule("tracker", domain.RuleTypeKeyword),
		domain.NewRule("*.ads.test", domain.RuleTypeDomain),
	}
	if err := store.Set(ctx, domain.StatePatch{Rules: &seed}); err != nil {
		fmt.Printf("Failed to seed rules: %v\n", err)
		return
	}

	svc := sanitizer.New(store, deleter, lruCache, sanitizer.Options{CommitDelay: cfg.History.CommitDelay})
	if err := svc.Start(ctx); err != nil {
		fmt.Printf("Failed to start sanitizer: %v\n", err)
		return
	}
	defer svc.Close()

	healthChecker := health.NewSystemHealthChecker(store, deleter, svc, lruCache)
	router := api.SetupRouter(api.RouterDependencies{
		Sanitizer:     svc,
		Store:         store,
		HealthChecker: healthChecker,
	}, api.RouterConfig{
		CORSOrigins: cfg.Security.CORSOrigins,
		BodyLimit:   cfg.Server.BodyLimit,
	})
	defer router.Cleanup()

	go func() {
		if err := router.App.Listen(fmt.Sprintf(":%d", cfg.Server.Port)); err != nil {
			fmt.Printf("Server failed: %v\n", err)
		}
	}()

	// Wait for server to start
	time.Sleep(100 * time.Millisecond)

	endpoint := fmt.Sprintf("http://localhost:%d/v1/events/visited", cfg.Server.Port)

	// Half of these match a rule, half do not
	testURLs := []string{
		"https://example.com/article",
		"https://other.org/tracker?id=1",
		"https://news.other.org/",
		"https://docs.go.dev/",
	}

	const (
		numWorkers        = 50
		requestsPerWorker = 20
		totalRequests     = numWorkers * requestsPerWorker
	)

	fmt.Printf("Starting load test with %d workers, %d visits each (%d total)\n",
		numWorkers, requestsPerWorker, totalRequests)

	var (
		successCount int64
		errorCount   int64
		deletedCount int64
		totalLatency time.Duration
		maxLatency   time.Duration
		minLatency   = time.Hour
		mu           sync.Mutex
	)

	startTime := time.Now()
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			client := &http.Client{
				Timeout: 2 * time.Second,
				Transport: &http.Transport{
					MaxIdleConns:        100,
					MaxIdleConnsPerHost: 100,
					IdleConnTimeout:     30 * time.Second,
				},
			}

			for j := 0; j < requestsPerWorker; j++ {
				payload, _ := json.Marshal(map[string]string{"url": testURLs[j%len(testURLs)]})

				reqStart := time.Now()
				resp, err := client.Post(endpoint, "application/json", bytes.NewBuffer(payload))
				latency := time.Since(reqStart)

				var body struct {
					Data domain.Outcome `json:"data"`
				}
				if err == nil {
					_ = json.NewDecoder(resp.Body).Decode(&body)
					_ = resp.Body.Close()
				}

				mu.Lock()
				if err != nil {
					errorCount++
				} else {
					successCount++
					if body.Data.Deleted {
						deletedCount++
					}
					totalLatency += latency
					maxLatency = max(maxLatency, latency)
					minLatency = min(minLatency, latency)
				}
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	totalTime := time.Since(startTime)

	avgLatency := time.Duration(0)
	if successCount > 0 {
		avgLatency = totalLatency / time.Duration(successCount)
	}
	requestsPerSecond := float64(totalRequests) / totalTime.Seconds()

	fmt.Printf("\n=== Load Test Results ===\n")
	fmt.Printf("Total time: %v\n", totalTime)
	fmt.Printf("Successful requests: %d\n", successCount)
	fmt.Printf("Failed requests: %d\n", errorCount)
	fmt.Printf("Requests per second: %.2f\n", requestsPerSecond)
	fmt.Printf("Average latency: %v\n", avgLatency)
	fmt.Printf("Min latency: %v\n", minLatency)
	fmt.Printf("Max latency: %v\n", maxLatency)

	stats := lruCache.Stats()
	fmt.Printf("\n=== Verdict Cache ===\n")
	fmt.Printf("Cache hits: %d\n", stats.Hits)
	fmt.Printf("Cache misses: %d\n", stats.Misses)
	fmt.Printf("Hit ratio: %.2f%%\n", stats.HitRatio*100)

	state, err := store.Get(ctx)
	if err != nil {
		fmt.Printf("Failed to read final state: %v\n", err)
		return
	}

	fmt.Printf("\n=== Counter Consistency ===\n")
	if int64(state.Counters.DeletedCount) == deletedCount && len(state.Logs) == int(deletedCount) {
		fmt.Printf("✓ %d deletions reported, %d counted, %d logged\n", deletedCount, state.Counters.DeletedCount, len(state.Logs))
	} else {
		fmt.Printf("✗ %d deletions reported, %d counted, %d logged\n", deletedCount, state.Counters.DeletedCount, len(state.Logs))
	}

	if err := router.App.Shutdown(); err != nil {
		fmt.Printf("Server shutdown error: %v\n", err)
	}

	fmt.Printf("Load test completed\n")
}
