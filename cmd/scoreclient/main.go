// Command scoreclient drives the score API the way a game client does:
// fetch an ephemeral key, play, sign the result and submit it.
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
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/score-integrity/internal/signature"
)

type keyResponse struct {
	EphemeralKey string `json:"ephemeralKey"`
	SessionID    string `json:"sessionId"`
}

type submitRequest struct {
	LevelID         string         `json:"levelId"`
	Value           int64          `json:"value"`
	Duration        float64        `json:"duration"`
	Meta            map[string]any `json:"meta"`
	ClientSignature string         `json:"clientSignature"`
	SessionID       string         `json:"sessionId"`
	Timestamp       int64          `json:"timestamp"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type stats struct {
	accepted int64
	rejected int64
	failed   int64

	mu      sync.Mutex
	reasons map[string]int64
}

func (s *stats) reject(reason string) {
	atomic.AddInt64(&s.rejected, 1)
	s.mu.Lock()
	s.reasons[reason]++
	s.mu.Unlock()
}

func (s *stats) print() {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Printf("[%s] Accepted: %d | Rejected: %d | Failed: %d | Reasons: %v\n",
		time.Now().Format("15:04:05"),
		atomic.LoadInt64(&s.accepted),
		atomic.LoadInt64(&s.rejected),
		atomic.LoadInt64(&s.failed),
		s.reasons,
	)
}

type client struct {
	baseURL   string
	levelID   string
	maxScore  int64
	timeLimit float64
	cheatRate float64
	http      *http.Client
}

func (c *client) issueKey(ctx context.Context) (keyResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/keys/ephemeral", nil)
	if err != nil {
		return keyResponse{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return keyResponse{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return keyResponse{}, fmt.Errorf("issuing key: status %d", resp.StatusCode)
	}
	var key keyResponse
	if err := json.NewDecoder(resp.Body).Decode(&key); err != nil {
		return keyResponse{}, fmt.Errorf("decoding key: %w", err)
	}
	return key, nil
}

// play submits one run. It returns the rejection code, or "" when accepted.
func (c *client) play(ctx context.Context) (string, error) {
	key, err := c.issueKey(ctx)
	if err != nil {
		return "", err
	}

	value := rand.Int63n(c.maxScore/2) + 1
	duration := c.timeLimit * (0.3 + 0.6*rand.Float64())
	if rand.Float64() < c.cheatRate {
		value = c.maxScore * 10
	}

	sub := submitRequest{
		LevelID:   c.levelID,
		Value:     value,
		Duration:  duration,
		Meta:      map[string]any{"coins": rand.Intn(100)},
		SessionID: key.SessionID,
		Timestamp: time.Now().UnixMilli(),
	}
	sub.ClientSignature, err = signature.Sign(signature.Payload{
		LevelID:   sub.LevelID,
		Value:     sub.Value,
		Duration:  sub.Duration,
		Meta:      sub.Meta,
		Timestamp: sub.Timestamp,
	}, key.EphemeralKey)
	if err != nil {
		return "", err
	}

	data, err := json.Marshal(sub)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/scores", bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusAccepted:
		return "", nil
	case resp.StatusCode >= 500:
		return "", fmt.Errorf("submitting score: status %d", resp.StatusCode)
	}
	var body errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decoding error response: %w", err)
	}
	return body.Error, nil
}

func main() {
	// Command line flags
	baseURL := flag.String("url", "http://localhost:8080", "Score API base URL")
	levelID := flag.String("level", "lvl-1", "Level ID")
	maxScore := flag.Int64("max-score", 100000, "Upper bound of generated scores")
	timeLimit := flag.Duration("time-limit", time.Minute, "Level time limit")
	submissionsPerSecond := flag.Float64("rate", 5, "Submissions per second")
	workers := flag.Int("workers", 4, "Concurrent clients")
	cheatRate := flag.Float64("cheat-rate", 0.05, "Fraction of runs submitting an impossible score")
	duration := flag.Duration("duration", 0, "Duration to run (0 = forever)")
	flag.Parse()

	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println("  Score Client")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("  API:              %s\n", *baseURL)
	fmt.Printf("  Level:            %s\n", *levelID)
	fmt.Printf("  Submissions/sec:  %.1f\n", *submissionsPerSecond)
	fmt.Printf("  Cheat rate:       %.2f\n", *cheatRate)
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	c := &client{
		baseURL:   *baseURL,
		levelID:   *levelID,
		maxScore:  *maxScore,
		timeLimit: timeLimit.Seconds(),
		cheatRate: *cheatRate,
		http:      &http.Client{Timeout: 10 * time.Second},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if *duration > 0 {
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	// Handle shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\n\nShutting down...")
		cancel()
	}()

	limiter := rate.NewLimiter(rate.Limit(*submissionsPerSecond), 1)
	s := &stats{reasons: make(map[string]int64)}

	var wg sync.WaitGroup
	for i := 0; i < *workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if err := limiter.Wait(ctx); err != nil {
					return
				}
				reason, err := c.play(ctx)
				switch {
				case err != nil:
					if ctx.Err() != nil {
						return
					}
					atomic.AddInt64(&s.failed, 1)
					log.Printf("Submission error: %v", err)
				case reason != "":
					s.reject(reason)
				default:
					atomic.AddInt64(&s.accepted, 1)
				}
			}
		}()
	}

	statsTicker := time.NewTicker(5 * time.Second)
	defer statsTicker.Stop()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	for {
		select {
		case <-done:
			s.print()
			fmt.Println("\n✓ Completed")
			return
		case <-statsTicker.C:
			s.print()
		}
	}
}
