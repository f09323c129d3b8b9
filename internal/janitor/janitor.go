// Package janitor enforces result retention: terminal jobs past their
// TTL are deleted together with their stored assets.
package janitor

import (
	"context"
	"time"

	"vidforge/internal/job"
	"vidforge/internal/jobstore"
	"vidforge/internal/pkg/logger"
	"vidforge/internal/ports"
)

// Deps configures a Janitor.
type Deps struct {
	Store jobstore.Store
	SP    ports.StorageProvider
	Log   *logger.Logger

	// TTL is how long completed and failed jobs are kept after finishing.
	TTL time.Duration
	// Interval is how often expired jobs are collected.
	Interval time.Duration
}

// Janitor periodically deletes expired terminal jobs and their assets.
type Janitor struct {
	store    jobstore.Store
	sp       ports.StorageProvider
	log      *logger.Logger
	ttl      time.Duration
	interval time.Duration
}

func New(d Deps) *Janitor {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	if d.TTL <= 0 {
		d.TTL = 24 * time.Hour
	}
	if d.Interval <= 0 {
		d.Interval = 10 * time.Minute
	}
	return &Janitor{
		store:    d.Store,
		sp:       d.SP,
		log:      log.WithComponent("janitor"),
		ttl:      d.TTL,
		interval: d.Interval,
	}
}

// Run collects on the configured interval until ctx is canceled.
func (j *Janitor) Run(ctx context.Context) {
	j.log.Info("janitor started", "ttl", j.ttl.String(), "interval", j.interval.String())

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.log.Info("janitor stopped")
			return
		case <-ticker.C:
			j.Collect(ctx)
		}
	}
}

// Collect runs one retention pass: expired jobs are removed from the
// store first, then their assets are deleted. An asset delete failure
// only logs; the objects are unreachable once the job record is gone,
// and a later manual sweep can reclaim them.
func (j *Janitor) Collect(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-j.ttl)

	expired, err := j.store.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		j.log.Error("retention scan failed", "error", err.Error())
		return
	}
	if len(expired) == 0 {
		return
	}

	for _, jb := range expired {
		log := j.log.WithJobID(jb.ID)
		for _, key := range assetKeys(jb) {
			if err := j.sp.DeleteObject(ctx, key); err != nil {
				log.Warn("asset delete failed", "object_key", key, "error", err.Error())
			}
		}
		log.Info("expired job deleted", "status", string(jb.Status))
	}
	j.log.Info("retention pass finished", "deleted", len(expired))
}

func assetKeys(jb job.Job) []string {
	keys := make([]string, 0, 2+len(jb.ImageKeys))
	if jb.SourceKey != "" {
		keys = append(keys, jb.SourceKey)
	}
	if jb.ResultKey != "" {
		keys = append(keys, jb.ResultKey)
	}
	for _, key := range jb.ImageKeys {
		keys = append(keys, key)
	}
	return keys
}
