package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/NexLiR/Messanger/pkg/client"
	"github.com/NexLiR/Messanger/pkg/logger"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur."

var loremWords = strings.Fields(loremIpsum)

// Stats tracks load test results across all bots
type Stats struct {
	messagesSent      atomic.Int64
	messagesFailed    atomic.Int64
	totalResponseTime atomic.Int64 // microseconds
	successfulClients atomic.Int64

	dialFailures   atomic.Int64
	authFailures   atomic.Int64
	timeouts       atomic.Int64
	disconnections atomic.Int64
}

func (s *Stats) recordSuccess(latency time.Duration) {
	s.messagesSent.Add(1)
	s.totalResponseTime.Add(latency.Microseconds())
}

func (s *Stats) snapshot() (sent, failed int64, avgResponseUs float64) {
	sent = s.messagesSent.Load()
	failed = s.messagesFailed.Load()
	if sent > 0 {
		avgResponseUs = float64(s.totalResponseTime.Load()) / float64(sent)
	}
	return
}

// Bot is one simulated chat user
type Bot struct {
	id       int
	username string
	client   *client.Client
	stats    *Stats
	log      *zap.Logger
}

func botUsername(id int) string {
	return fmt.Sprintf("load_%d_%04x", id, rand.Intn(0x10000))
}

func randomContent() string {
	wordCount := 5 + rand.Intn(16)
	words := make([]string, wordCount)
	for i := range words {
		words[i] = loremWords[rand.Intn(len(loremWords))]
	}
	return strings.Join(words, " ")
}

func randomDelay(minDelay, maxDelay time.Duration) time.Duration {
	if maxDelay <= minDelay {
		return minDelay
	}
	return minDelay + time.Duration(rand.Int63n(int64(maxDelay-minDelay)))
}

// connect dials, registers, and waits for the history replay to finish
func (b *Bot) connect(ctx context.Context, addr string, retryFor time.Duration) error {
	c, err := client.DialWithRetry(ctx, addr, retryFor, client.WithLogger(b.log))
	if err != nil {
		b.stats.dialFailures.Add(1)
		return err
	}
	b.client = c

	if err := c.Register(b.username, "loadtest-"+b.username); err != nil {
		b.stats.authFailures.Add(1)
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	ev, err := c.WaitFor(waitCtx, client.EventAuthSucceeded, client.EventAuthFailed)
	if err != nil {
		b.stats.authFailures.Add(1)
		return fmt.Errorf("wait for auth: %w", err)
	}
	if ev.Kind == client.EventAuthFailed {
		b.stats.authFailures.Add(1)
		return fmt.Errorf("register rejected: %s", ev.Reason)
	}
	if _, err := c.WaitFor(waitCtx, client.EventHistoryComplete); err != nil {
		b.stats.timeouts.Add(1)
		return fmt.Errorf("wait for history: %w", err)
	}
	return nil
}

// run posts messages until ctx ends, timing each until its own echo arrives
func (b *Bot) run(ctx context.Context, minDelay, maxDelay time.Duration) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(randomDelay(minDelay, maxDelay)):
		}

		content := randomContent()
		start := time.Now()
		if err := b.client.Send(content); err != nil {
			b.stats.messagesFailed.Add(1)
			b.stats.disconnections.Add(1)
			return err
		}

		if err := b.awaitEcho(ctx, content); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.stats.messagesFailed.Add(1)
			if errors.Is(err, client.ErrClosed) {
				b.stats.disconnections.Add(1)
				return err
			}
			b.stats.timeouts.Add(1)
			continue
		}
		b.stats.recordSuccess(time.Since(start))
	}
}

func (b *Bot) awaitEcho(ctx context.Context, content string) error {
	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	for {
		ev, err := b.client.WaitFor(waitCtx, client.EventMessageReceived)
		if err != nil {
			return err
		}
		if ev.Parsed && ev.Line.Sender == b.username && ev.Line.Content == content {
			return nil
		}
	}
}

func (b *Bot) close() {
	if b.client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b.client.Disconnect(ctx)
}

func main() {
	serverAddr := flag.String("server", "127.0.0.1:7891", "Server address (host:port)")
	numClients := flag.Int("clients", 50, "Number of concurrent clients")
	duration := flag.Duration("duration", 30*time.Second, "Test duration")
	minDelay := flag.Duration("min-delay", 100*time.Millisecond, "Minimum delay between posts")
	maxDelay := flag.Duration("max-delay", time.Second, "Maximum delay between posts")
	retryFor := flag.Duration("retry", 10*time.Second, "How long each client keeps retrying its dial")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	log, err := logger.New(logger.Config{
		Environment: "development",
		Level:       *logLevel,
		ServiceName: "messanger-loadtest",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	// Ramp up over a quarter of the test
	staggerDelay := *duration / 4 / time.Duration(max(*numClients, 1))
	if staggerDelay < time.Millisecond {
		staggerDelay = time.Millisecond
	}

	log.Info("Starting load test",
		zap.String("server", *serverAddr),
		zap.Int("clients", *numClients),
		zap.Duration("duration", *duration),
		zap.Duration("stagger", staggerDelay),
		zap.Duration("min_delay", *minDelay),
		zap.Duration("max_delay", *maxDelay))

	stats := &Stats{}
	go reportStats(ctx, stats, log)

	g, gctx := errgroup.WithContext(context.Background())
	for i := 0; i < *numClients; i++ {
		bot := &Bot{
			id:       i,
			username: botUsername(i),
			stats:    stats,
			log:      log.Named("bot").With(zap.Int("bot", i)),
		}
		g.Go(func() error {
			defer bot.close()
			if err := bot.connect(ctx, *serverAddr, *retryFor); err != nil {
				bot.log.Warn("Client failed to start", zap.Error(err))
				return nil
			}
			bot.stats.successfulClients.Add(1)
			if bot.id%100 == 0 {
				bot.log.Info("Connected", zap.String("username", bot.username))
			}
			if err := bot.run(ctx, *minDelay, *maxDelay); err != nil {
				bot.log.Warn("Client stopped", zap.Error(err))
			}
			return nil
		})

		select {
		case <-ctx.Done():
		case <-gctx.Done():
		case <-time.After(staggerDelay):
		}
		if ctx.Err() != nil {
			break
		}
	}

	if err := g.Wait(); err != nil {
		log.Error("Load test failed", zap.Error(err))
	}
	printResults(log, stats, *numClients, *duration)
}

func reportStats(ctx context.Context, stats *Stats, log *zap.Logger) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	start := time.Now()
	for {
		select {
		case <-ticker.C:
			sent, failed, avgUs := stats.snapshot()
			log.Info("Stats",
				zap.Int64("sent", sent),
				zap.Float64("rate_per_sec", float64(sent)/time.Since(start).Seconds()),
				zap.Int64("failed", failed),
				zap.Float64("avg_ms", avgUs/1000),
				zap.Int64("clients", stats.successfulClients.Load()),
				zap.Int("goroutines", runtime.NumGoroutine()))
		case <-ctx.Done():
			return
		}
	}
}

func printResults(log *zap.Logger, stats *Stats, attempted int, duration time.Duration) {
	sent, failed, avgUs := stats.snapshot()
	successful := stats.successfulClients.Load()

	successRate := 0.0
	if sent+failed > 0 {
		successRate = float64(sent) / float64(sent+failed) * 100
	}

	log.Info("Final results",
		zap.Int("clients_attempted", attempted),
		zap.Int64("clients_successful", successful),
		zap.Duration("duration", duration),
		zap.Int64("messages_sent", sent),
		zap.Float64("rate_per_sec", float64(sent)/duration.Seconds()),
		zap.Int64("messages_failed", failed),
		zap.Int64("timeouts", stats.timeouts.Load()),
		zap.Int64("disconnections", stats.disconnections.Load()),
		zap.Int64("dial_failures", stats.dialFailures.Load()),
		zap.Int64("auth_failures", stats.authFailures.Load()),
		zap.Float64("avg_response_ms", avgUs/1000),
		zap.Float64("success_rate_pct", successRate))
}
