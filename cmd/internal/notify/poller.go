package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Syncer is anything that can pull a fresh snapshot. Implemented by Inbox.
type Syncer interface {
	Sync(ctx context.Context) error
}

// Poller drives periodic snapshot syncs on a cron schedule. Overlapping
// runs are skipped rather than queued.
type Poller struct {
	s        Syncer
	interval time.Duration
	timeout  time.Duration
	log      *slog.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

// NewPoller constructs a stopped Poller.
func NewPoller(s Syncer, interval time.Duration, log *slog.Logger) *Poller {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	timeout := interval
	if timeout <= 0 || timeout > defaultRefetchTimeout {
		timeout = defaultRefetchTimeout
	}
	return &Poller{s: s, interval: interval, timeout: timeout, log: log}
}

// Start schedules "@every <interval>" syncs and runs one immediately.
func (p *Poller) Start(ctx context.Context) error {
	if p.interval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", p.interval)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cron != nil {
		return nil
	}

	logger := cronLogger{log: p.log}
	c := cron.New(cron.WithLogger(logger), cron.WithChain(cron.SkipIfStillRunning(logger)))
	if _, err := c.AddFunc("@every "+p.interval.String(), func() { p.tick(ctx) }); err != nil {
		return fmt.Errorf("schedule poller: %w", err)
	}
	c.Start()
	p.cron = c

	go p.tick(ctx)
	return nil
}

// Stop halts the schedule and waits for a running sync to finish.
func (p *Poller) Stop() {
	p.mu.Lock()
	c := p.cron
	p.cron = nil
	p.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
}

func (p *Poller) tick(parent context.Context) {
	if parent.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(parent, p.timeout)
	defer cancel()
	if err := p.s.Sync(ctx); err != nil {
		p.log.Info("notify.poll.fail", "err", err)
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron."+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron."+msg, append(keysAndValues, "err", err)...)
}
