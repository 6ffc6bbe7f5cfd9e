//go:build ignore

// Package main drives a running msgsearch server with synthetic chat traffic
// and reports write latency and indexing lag.
// Usage: go run scripts/loadgen.go -url http://localhost:3000 -messages 1000
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"sort"
	"sync"
	"time"
)

var (
	baseURL       = flag.String("url", "http://localhost:3000", "Server base URL")
	website       = flag.String("website", "loadgen", "Tenant (website) id")
	conversations = flag.Int("conversations", 10, "Number of conversations")
	messages      = flag.Int("messages", 1000, "Total messages to create")
	concurrency   = flag.Int("concurrency", 8, "Concurrent writers")
	seed          = flag.Int64("seed", 42, "Random seed for reproducibility")
	lagTimeout    = flag.Duration("lag-timeout", 30*time.Second, "How long to wait for the last message to become searchable")
)

var words = []string{
	"hello", "order", "shipping", "refund", "invoice", "password", "account",
	"delivery", "tracking", "discount", "coupon", "cancel", "upgrade", "billing",
	"support", "thanks", "problem", "payment", "address", "warranty",
}

type createRequest struct {
	Content        string `json:"content"`
	SenderID       string `json:"senderId"`
	ConversationID string `json:"conversationId"`
}

func main() {
	flag.Parse()
	rng := rand.New(rand.NewSource(*seed))

	reqs := make(chan createRequest)
	go func() {
		defer close(reqs)
		for i := 0; i < *messages; i++ {
			n := 3 + rng.Intn(8)
			content := make([]byte, 0, n*8)
			for j := 0; j < n; j++ {
				if j > 0 {
					content = append(content, ' ')
				}
				content = append(content, words[rng.Intn(len(words))]...)
			}
			reqs <- createRequest{
				Content:        string(content),
				SenderID:       fmt.Sprintf("user-%d", rng.Intn(100)),
				ConversationID: fmt.Sprintf("conv-%d", rng.Intn(*conversations)),
			}
		}
	}()

	client := &http.Client{Timeout: 10 * time.Second}
	var (
		mu        sync.Mutex
		latencies []time.Duration
		failures  int
		last      createRequest
	)
	start := time.Now()
	var wg sync.WaitGroup
	for w := 0; w < *concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for req := range reqs {
				d, err := create(client, req)
				mu.Lock()
				if err != nil {
					failures++
					fmt.Fprintf(os.Stderr, "create failed: %v\n", err)
				} else {
					latencies = append(latencies, d)
					last = req
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	if len(latencies) == 0 {
		fmt.Fprintln(os.Stderr, "no messages created")
		os.Exit(1)
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	fmt.Printf("created:  %d (%d failed) in %s, %.0f msg/s\n",
		len(latencies), failures, elapsed.Round(time.Millisecond), float64(len(latencies))/elapsed.Seconds())
	fmt.Printf("latency:  p50 %s  p95 %s  p99 %s\n",
		percentile(latencies, 0.50), percentile(latencies, 0.95), percentile(latencies, 0.99))

	lag, err := awaitSearchable(client, last)
	if err != nil {
		fmt.Fprintf(os.Stderr, "index lag: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("index lag after last write: %s\n", lag.Round(time.Millisecond))
}

func create(client *http.Client, req createRequest) (time.Duration, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return 0, err
	}
	httpReq, err := http.NewRequest(http.MethodPost, *baseURL+"/api/messages", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Website-Id", *website)

	start := time.Now()
	resp, err := client.Do(httpReq)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return 0, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return time.Since(start), nil
}

// awaitSearchable polls search until the conversation of the last created
// message returns a hit for its content.
func awaitSearchable(client *http.Client, last createRequest) (time.Duration, error) {
	q := url.Values{"q": {last.Content}, "perPage": {"100"}}
	target := fmt.Sprintf("%s/api/conversations/%s/messages/search?%s", *baseURL, url.PathEscape(last.ConversationID), q.Encode())
	start := time.Now()
	for time.Since(start) < *lagTimeout {
		req, err := http.NewRequest(http.MethodGet, target, nil)
		if err != nil {
			return 0, err
		}
		req.Header.Set("X-Website-Id", *website)
		resp, err := client.Do(req)
		if err == nil {
			var hits []struct {
				Content string `json:"content"`
			}
			decodeErr := json.NewDecoder(resp.Body).Decode(&hits)
			resp.Body.Close()
			if decodeErr == nil {
				for _, h := range hits {
					if h.Content == last.Content {
						return time.Since(start), nil
					}
				}
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	return 0, fmt.Errorf("last message not searchable after %s", *lagTimeout)
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	i := int(float64(len(sorted)-1) * p)
	return sorted[i].Round(time.Microsecond)
}
