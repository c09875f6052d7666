package app

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"workd/internal/store"
	logx "workd/pkg/logx"
)

// Janitor prunes terminal one-time items on a cron schedule so the store
// doesn't grow without bound.
type Janitor struct {
	mu  sync.Mutex
	cfg janitorSettings

	store store.Store
	log   logx.Logger

	parser cron.Parser
	c      *cron.Cron
}

func NewJanitor(cfg janitorSettings, st store.Store, log logx.Logger) *Janitor {
	return &Janitor{
		cfg:    cfg,
		store:  st,
		log:    log.With(logx.String("component", "janitor")),
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func (j *Janitor) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.cfg.Enabled || j.c != nil {
		return nil
	}
	sched, err := j.parser.Parse(j.cfg.Schedule)
	if err != nil {
		return err
	}
	c := cron.New(cron.WithParser(j.parser))
	c.Schedule(sched, cron.FuncJob(j.sweep))
	c.Start()
	j.c = c
	j.log.Info("janitor started",
		logx.String("schedule", j.cfg.Schedule),
		logx.Duration("retain", j.cfg.Retain))
	return nil
}

// Apply updates the retention window live. Schedule and enable changes take
// effect on restart.
func (j *Janitor) Apply(cfg janitorSettings) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if cfg.Retain > 0 && cfg.Retain != j.cfg.Retain {
		j.log.Info("janitor retention updated", logx.Duration("retain", cfg.Retain))
		j.cfg.Retain = cfg.Retain
	}
}

func (j *Janitor) Stop(ctx context.Context) {
	j.mu.Lock()
	c := j.c
	j.c = nil
	j.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

func (j *Janitor) sweep() {
	j.mu.Lock()
	retain := j.cfg.Retain
	j.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := time.Now().Add(-retain)
	n, err := j.store.Prune(ctx, cutoff)
	if err != nil {
		j.log.Warn("prune failed", logx.Err(err))
		return
	}
	if n > 0 {
		j.log.Info("pruned terminal items", logx.Int("count", n), logx.Time("cutoff", cutoff))
	} else {
		j.log.Debug("prune found nothing to remove", logx.Time("cutoff", cutoff))
	}
}
