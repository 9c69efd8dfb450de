package router

import (
	"time"

	"github.com/papercomputeco/sipfork/pkg/fork"
	"github.com/papercomputeco/sipfork/pkg/push"
)

const (
	defaultEvictAfter     = 30 * time.Second
	defaultSweepInterval  = 5 * time.Second
	defaultPublishTimeout = 5 * time.Second

	// defaultBranchEventTimeout bounds the restore of an evicted fork done
	// to deliver a push outcome or a ringing timeout.
	defaultBranchEventTimeout = 10 * time.Second
)

// Config is the router configuration.
type Config struct {
	// Fork is applied to every new fork operation.
	Fork fork.Config

	// EvictAfter is how long an answered fork may stay idle in memory before
	// the sweeper saves it again. Forks are first evicted as soon as every
	// branch answered; this only covers evictions that failed.
	EvictAfter time.Duration

	// SweepInterval is the period of the expiry and eviction sweep.
	SweepInterval time.Duration

	// Workers is the number of eviction workers (defaults to 3).
	Workers uint

	// QueueSize is the capacity of the eviction queue (defaults to 256).
	QueueSize uint

	// Push tunes call push repetition. A zero CallInterval disables
	// repetition; see push.DefaultConfig.
	Push push.Config

	// Instance names this router in published events.
	Instance string

	// Strict panics on fork contract violations.
	Strict bool
}

func (c *Config) withDefaults() *Config {
	out := *c
	if out.EvictAfter <= 0 {
		out.EvictAfter = defaultEvictAfter
	}
	if out.SweepInterval <= 0 {
		out.SweepInterval = defaultSweepInterval
	}
	return &out
}
