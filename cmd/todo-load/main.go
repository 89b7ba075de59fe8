// Command todo-load holds many stream sessions open against a running server
// while a writer creates and deletes tasks, then reports delivery counts and
// fan-out latency.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"todo-sync/client"
	"todo-sync/domain"
)

type loadConfig struct {
	StreamURL    string        `env:"STREAM_URL,default=http://localhost:3001/api/stream"`
	SocketURL    string        `env:"SOCKET_URL,default=ws://localhost:3001/ws"`
	Sessions     int           `env:"SSE_CONNECTIONS,default=200"`
	Duration     time.Duration `env:"DURATION,default=2m"`
	WriteEvery   time.Duration `env:"WRITE_INTERVAL,default=250ms"`
	MaxFailPct   int           `env:"MAX_FAILURE_PERCENT,default=1"`
	FirstEventIn time.Duration `env:"FIRST_EVENT_TIMEOUT,default=60s"`
}

type report struct {
	Sessions   int
	Attempts   uint64
	Failures   uint64
	Events     uint64
	Writes     uint64
	MaxLatency time.Duration
}

func (r report) failureRate() float64 {
	if r.Attempts == 0 {
		return 0
	}
	return float64(r.Failures) / float64(r.Attempts)
}

var errNoEvents = errors.New("no events received")

func main() {
	logger := log.New()
	var cfg loadConfig
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		logger.Fatalf("config error: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r, err := run(ctx, cfg, logger)
	fmt.Printf("connections=%d duration=%s events_received=%d writes=%d connection_failures=%d max_latency=%s\n",
		r.Sessions, cfg.Duration, r.Events, r.Writes, r.Failures, r.MaxLatency)
	if err != nil {
		logger.WithError(err).Error("load run failed")
		os.Exit(1)
	}
	if r.failureRate()*100 > float64(cfg.MaxFailPct) {
		logger.WithField("failure_rate", r.failureRate()).Error("too many connection failures")
		os.Exit(1)
	}
}

type counters struct {
	attempts, failures, events, writes atomic.Uint64
	maxLatency                         atomic.Int64
}

func (c *counters) observe(lat time.Duration) {
	for {
		cur := c.maxLatency.Load()
		if int64(lat) <= cur || c.maxLatency.CompareAndSwap(cur, int64(lat)) {
			return
		}
	}
}

func run(ctx context.Context, cfg loadConfig, logger *log.Logger) (report, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.Duration)
	defer cancel()

	var c counters
	httpClient := &http.Client{}
	var wg sync.WaitGroup
	wg.Add(cfg.Sessions)
	for range cfg.Sessions {
		go func() {
			defer wg.Done()
			follow(ctx, httpClient, cfg.StreamURL, &c)
		}()
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		write(ctx, cfg, logger, &c)
	}()

	noEvents := make(chan struct{})
	go func() {
		select {
		case <-time.After(cfg.FirstEventIn):
			if c.events.Load() == 0 {
				close(noEvents)
				cancel()
			}
		case <-ctx.Done():
		}
	}()

	wg.Wait()
	<-writerDone

	r := report{
		Sessions:   cfg.Sessions,
		Attempts:   c.attempts.Load(),
		Failures:   c.failures.Load(),
		Events:     c.events.Load(),
		Writes:     c.writes.Load(),
		MaxLatency: time.Duration(c.maxLatency.Load()),
	}
	select {
	case <-noEvents:
		return r, fmt.Errorf("%w in %s", errNoEvents, cfg.FirstEventIn)
	default:
	}
	if r.Events == 0 {
		return r, errNoEvents
	}
	return r, nil
}

// follow keeps one stream session open, reconnecting with backoff until ctx ends.
func follow(ctx context.Context, httpClient *http.Client, url string, c *counters) {
	backoff := time.Second
	retry := func() bool {
		c.failures.Add(1)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return false
		}
		backoff = min(backoff*2, 5*time.Second)
		return true
	}
	for ctx.Err() == nil {
		c.attempts.Add(1)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			if !retry() {
				return
			}
			continue
		}
		resp, err := httpClient.Do(req)
		if err != nil || resp.StatusCode != http.StatusOK {
			if resp != nil {
				resp.Body.Close()
			}
			if ctx.Err() != nil || !retry() {
				return
			}
			continue
		}
		backoff = time.Second
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			data, ok := strings.CutPrefix(scanner.Text(), "data:")
			if !ok {
				continue
			}
			c.events.Add(1)
			var msg domain.ServerMessage
			if sonic.UnmarshalString(strings.TrimSpace(data), &msg) == nil && msg.Type == domain.MsgCreated && msg.Task != nil {
				c.observe(time.Since(msg.Task.CreatedAt))
			}
		}
		resp.Body.Close()
		if ctx.Err() != nil || !retry() {
			return
		}
	}
}

// write creates a task every interval and deletes the previous one so the
// list stays small.
func write(ctx context.Context, cfg loadConfig, logger *log.Logger, c *counters) {
	quiet := log.New()
	quiet.SetLevel(log.WarnLevel)
	m := client.New(client.Options{URL: cfg.SocketURL, Logger: quiet})
	events, stop := m.Subscribe()
	defer m.Close()
	defer stop()
	if err := m.Start(ctx); err != nil {
		logger.WithError(err).Error("writer failed to start")
		return
	}

	ticker := time.NewTicker(cfg.WriteEvery)
	defer ticker.Stop()
	created := make(map[string]bool)
	var previous int64
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind != client.EventResult || ev.Message == nil || !created[ev.Message.RequestID] {
				continue
			}
			delete(created, ev.Message.RequestID)
			if !ev.Message.OK {
				continue
			}
			if previous != 0 {
				if _, err := m.DeleteTask(previous); err == nil {
					c.writes.Add(1)
				}
			}
			previous = ev.Message.ID
		case <-ticker.C:
			if m.State() != client.Connected {
				continue
			}
			requestID, err := m.CreateTask(fmt.Sprintf("load %d", time.Now().UnixNano()), nil)
			if err != nil {
				logger.WithError(err).Debug("writer create failed")
				continue
			}
			created[requestID] = true
			c.writes.Add(1)
		}
	}
}
