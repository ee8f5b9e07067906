package api

import (
	"time"

	"github.com/adfharrison1/collwrite/pkg/catalog"
	"github.com/adfharrison1/collwrite/pkg/lock"
	"github.com/adfharrison1/collwrite/pkg/metrics"
	"github.com/adfharrison1/collwrite/pkg/repl"
	"github.com/adfharrison1/collwrite/pkg/writepath"
)

// Handler provides HTTP handlers for the collection write API
type Handler struct {
	catalog *catalog.Catalog
	engine  *writepath.Engine
	locks   *lock.Manager
	oplog   *repl.OplogStore
	metrics metrics.Collector

	database   string
	maxRetries int
	backoff    time.Duration
	maxBatch   int
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithDatabase sets the database that {coll} route variables resolve in.
func WithDatabase(db string) HandlerOption {
	return func(h *Handler) {
		h.database = db
	}
}

// WithMetrics records write conflicts and latencies.
func WithMetrics(c metrics.Collector) HandlerOption {
	return func(h *Handler) {
		h.metrics = c
	}
}

// WithRetryPolicy bounds the write conflict retry loop.
func WithRetryPolicy(maxRetries int, backoff time.Duration) HandlerOption {
	return func(h *Handler) {
		h.maxRetries = maxRetries
		h.backoff = backoff
	}
}

// NewHandler creates a new API handler with dependency injection
func NewHandler(cat *catalog.Catalog, engine *writepath.Engine, locks *lock.Manager, oplog *repl.OplogStore, opts ...HandlerOption) *Handler {
	h := &Handler{
		catalog:    cat,
		engine:     engine,
		locks:      locks,
		oplog:      oplog,
		database:   "app",
		maxRetries: 10,
		backoff:    time.Millisecond,
		maxBatch:   1000,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.metrics = metrics.OrNoop(h.metrics)
	return h
}
