// loadgen floods the API with synthetic task submissions so queue
// depth, admission, and worker throughput can be observed under load.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

func main() {
	apiURL := flag.String("api", envOr("AUREA_API_URL", "http://localhost:8000"), "API base URL")
	apiKey := flag.String("key", os.Getenv("AUREA_API_KEY"), "API key with the service role")
	numTasks := flag.Int("tasks", 1000, "Number of tasks to submit")
	types := flag.String("types", "gen_content,aurea_action,centerpoint_sync", "Comma-separated task types")
	priorityDist := flag.String("priority-dist", "1,10,100,1000", "Comma-separated priority buckets")
	dupePercent := flag.Int("dupe-percent", 10, "Percentage of tasks reusing an idempotency key")
	payloadSize := flag.Int("payload-size", 100, "Approximate payload size in bytes")
	concurrency := flag.Int("concurrency", 8, "Concurrent submitters")
	seed := flag.Int64("seed", time.Now().UnixNano(), "Random seed")
	flag.Parse()

	if *apiKey == "" {
		log.Fatal("API key is required via -key or AUREA_API_KEY")
	}

	typeList := strings.Split(*types, ",")
	priorityList := strings.Split(*priorityDist, ",")

	var created, duplicate, rejected atomic.Int64
	jobs := make(chan int)
	client := &http.Client{Timeout: 30 * time.Second}

	var wg sync.WaitGroup
	for w := 0; w < *concurrency; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(*seed + int64(w)))
			for i := range jobs {
				status, err := submit(client, *apiURL, *apiKey, buildBody(r, i, typeList, priorityList, *dupePercent, *payloadSize))
				switch {
				case err != nil:
					rejected.Add(1)
					fmt.Printf("submit error: %v\n", err)
				case status == http.StatusCreated:
					created.Add(1)
				case status == http.StatusConflict:
					duplicate.Add(1)
				default:
					rejected.Add(1)
				}
			}
		}(w)
	}

	log.Printf("Submitting %d tasks...", *numTasks)
	start := time.Now()
	for i := 0; i < *numTasks; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	elapsed := time.Since(start)
	log.Printf("Done in %s (%.0f tasks/sec)", elapsed, float64(*numTasks)/elapsed.Seconds())
	log.Printf("created=%d duplicate=%d rejected=%d", created.Load(), duplicate.Load(), rejected.Load())
}

func buildBody(r *rand.Rand, i int, types, priorities []string, dupePercent, payloadSize int) map[string]any {
	filler := strings.Repeat("x", payloadSize)
	payload, _ := json.Marshal(map[string]any{"seq": i, "filler": filler})

	priority := atoiDefault(priorities[r.Intn(len(priorities))], 100)
	body := map[string]any{
		"type":     strings.TrimSpace(types[r.Intn(len(types))]),
		"payload":  json.RawMessage(payload),
		"priority": priority,
	}
	if r.Intn(100) < dupePercent {
		// a small key space forces idempotency collisions
		body["idempotency_key"] = fmt.Sprintf("loadgen-%d", r.Intn(50))
	}
	return body
}

func submit(client *http.Client, apiURL, apiKey string, body map[string]any) (int, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL+"/tasks", bytes.NewReader(data))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

func atoiDefault(s string, fallback int) int {
	var n int
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%d", &n); err != nil {
		return fallback
	}
	return n
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
