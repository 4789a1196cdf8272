package awaitflow

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/petrijr/awaitflow/internal/codec"
	"github.com/petrijr/awaitflow/internal/engine"
	"github.com/petrijr/awaitflow/internal/persistence"
	"github.com/petrijr/awaitflow/internal/taskqueue"
	"github.com/petrijr/awaitflow/pkg/api"
	"github.com/petrijr/awaitflow/pkg/workflow"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine               = engine.Engine
	Host                 = api.Host
	Program              = api.Program
	Context              = workflow.Context
	Execution            = api.Execution
	HistoryEvent         = api.HistoryEvent
	EventType            = api.EventType
	StartOptions         = api.StartOptions
	SignalRequest        = api.SignalRequest
	ListOptions          = api.ListOptions
	TerminalResult       = api.TerminalResult
	Failure              = api.Failure
	Outcome              = api.Outcome
	Status               = api.Status
	Payload              = api.Payload
	DataConverter        = api.DataConverter
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver

	// Persistence and the store interfaces let backends in other modules
	// plug their own storage into NewEngineWith.
	Persistence     = persistence.Persistence
	ExecutionStore  = persistence.ExecutionStore
	HistoryStore    = persistence.HistoryStore
	ExecutionFilter = persistence.ExecutionFilter
)

// Re-export common helpers.

var (
	NewFailure           = api.NewFailure
	AsFailure            = api.AsFailure
	IsTimeoutFailure     = api.IsTimeoutFailure
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
)

// Re-export status and outcome values for convenience.

const (
	StatusRunning   = api.StatusRunning
	StatusWaiting   = api.StatusWaiting
	StatusCompleted = api.StatusCompleted
	StatusFailed    = api.StatusFailed
	StatusCanceled  = api.StatusCanceled

	Satisfied = api.Satisfied
	TimedOut  = api.TimedOut
)

// Options configures NewEngine. Zero fields get the engine defaults.
type Options struct {
	// DB selects SQLite persistence. Nil keeps everything in memory.
	DB       *sql.DB
	Observer Observer
	Logger   *slog.Logger
	// Codec is "msgpack" (default) or "json".
	Codec         string
	QueueCapacity int
	LeaseTTL      time.Duration
	ResultPoll    time.Duration
}

// NewEngine builds an engine from opts.
func NewEngine(opts Options) (*Engine, error) {
	p := persistence.NewInMemoryPersistence()
	if opts.DB != nil {
		var err error
		if p, err = persistence.NewSQLitePersistence(opts.DB); err != nil {
			return nil, err
		}
	}
	return NewEngineWith(p, opts)
}

// NewEngineWith builds an engine over p. opts.DB is ignored.
func NewEngineWith(p Persistence, opts Options) (*Engine, error) {
	var dc api.DataConverter
	if opts.Codec != "" {
		var err error
		if dc, err = codec.ByName(opts.Codec); err != nil {
			return nil, err
		}
	}

	return engine.NewEngine(engine.Config{
		Persistence: p,
		Observer:    opts.Observer,
		Converter:   dc,
		Queue:       taskqueue.NewInMemoryQueue(opts.QueueCapacity),
		Logger:      opts.Logger,
		LeaseTTL:    opts.LeaseTTL,
		ResultPoll:  opts.ResultPoll,
	}), nil
}

// NewInMemoryEngine returns an Engine backed entirely by in-memory stores.
func NewInMemoryEngine() *Engine {
	return engine.NewInMemoryEngine()
}

// NewInMemoryEngineWithObserver returns an in-memory Engine with the given Observer.
func NewInMemoryEngineWithObserver(obs Observer) *Engine {
	return engine.NewEngine(engine.Config{
		Persistence: persistence.NewInMemoryPersistence(),
		Observer:    obs,
	})
}

// NewSQLiteEngine returns an Engine that persists executions and their
// history in a SQLite database. Programs are registered in memory.
func NewSQLiteEngine(db *sql.DB) (*Engine, error) {
	return engine.NewSQLiteEngine(db)
}

// NewSQLiteEngineWithObserver returns a SQLite-backed Engine with the given Observer.
func NewSQLiteEngineWithObserver(db *sql.DB, obs Observer) (*Engine, error) {
	return NewEngine(Options{DB: db, Observer: obs})
}
