// Package shardb is the public facade: Database, Request, Query, Cursor and
// Watch, exposing put/get/del/find/merge/watch/dump/load/purge/compact over
// the internal kind/query/shard/watch engines.
package shardb

// config.go follows a functional-options Option/config/defaultConfig/
// applyOptions shape, without generics since Database is not itself
// parameterized over a key/value type.

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/nkrause/shardb/internal/shard"
)

// Option customizes a Database at Open time.
type Option func(*config)

// config bundles every knob Open consults. Fields are immutable once Open
// returns; there is no live reconfiguration beyond UpdateLocale, which is a
// core operation rather than a config knob.
type config struct {
	engineName string

	logger   *zap.Logger
	registry *prometheus.Registry

	autoBatchSize   int
	deadlockRetries int
	deadlockSleep   time.Duration
	searchFanOut    int
	searchRowCap    int

	mounter shard.Mounter
	space   shard.SpacePolicy

	locale string
}

func defaultConfig() *config {
	return &config{
		engineName:      "badger",
		logger:          zap.NewNop(),
		autoBatchSize:   256,
		deadlockRetries: 20,
		deadlockSleep:   20 * time.Millisecond,
		searchFanOut:    4,
		searchRowCap:    10000,
		locale:          "en_US",
	}
}

// WithEngine selects a registered kv.Engine by name (e.g. "badger", "mem").
// The default, "badger", matches SHARDB_ENGINE's own default when that
// environment variable isn't set.
func WithEngine(name string) Option {
	return func(c *config) {
		if name != "" {
			c.engineName = name
		}
	}
}

// WithLogger plugs an external zap.Logger. Nothing on the per-write or
// per-index-op hot path logs; only slow/rare events do (retry, shard
// mount/unmount, locale transition, compaction, dump corruption warnings).
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics enables Prometheus metrics collection. Passing nil leaves
// metrics disabled (the default), which is also what New falls back to.
func WithMetrics(reg *prometheus.Registry) Option {
	return func(c *config) { c.registry = reg }
}

// WithAutoBatchSize overrides the 256-row batching threshold put/del/merge
// and load use to cap transaction size.
func WithAutoBatchSize(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.autoBatchSize = n
		}
	}
}

// WithSearchFanOut overrides the search cursor's decode worker-pool width
// (default 4, per the suspension-point budget).
func WithSearchFanOut(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.searchFanOut = n
		}
	}
}

// WithSearchRowCap overrides the search cursor's materialization safety cap
// (default 10 000 rows).
func WithSearchRowCap(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.searchRowCap = n
		}
	}
}

// WithMounter plugs a shard.Mounter for storage engines that physically
// segregate shard data. The default engines (badgerkv, memkv) key-prefix
// instead, so this is nil by default.
func WithMounter(m shard.Mounter) Option {
	return func(c *config) { c.mounter = m }
}

// WithSpacePolicy configures the shard engine's free-space floor checked on
// every mount.
func WithSpacePolicy(p shard.SpacePolicy) Option {
	return func(c *config) { c.space = p }
}

// WithLocale overrides the locale a freshly created database starts at
// (default "en_US"); an existing database's persisted locale always wins on
// reopen — this only applies to first-time creation.
func WithLocale(l string) Option {
	return func(c *config) {
		if l != "" {
			c.locale = l
		}
	}
}

func applyOptions(cfg *config, opts []Option) error {
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.autoBatchSize <= 0 {
		return errInvalidBatchSize
	}
	if cfg.deadlockRetries <= 0 {
		return errInvalidRetries
	}
	return nil
}

var (
	errInvalidBatchSize = errors.New("shardb: auto-batch size must be > 0")
	errInvalidRetries   = errors.New("shardb: deadlock retry budget must be > 0")
)
