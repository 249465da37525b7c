// Package vectorstore implements the vector store driver (§4.D): per-collection
// object/part tables over a relational vector store, ANN search, payload
// filtering, and row-level locking.
//
// Backed by the teacher's relational engine: embedded Dolt via
// github.com/dolthub/driver (CGO, driver name "dolt") or server-mode Dolt
// over the MySQL wire protocol via github.com/go-sql-driver/mysql, grounded
// directly on internal/storage/dolt/store.go's dual connection modes,
// server-mode retry classification, and per-statement OTel spans. Unlike the
// teacher, this package does not manage Dolt version-control state (commit,
// push, pull, branch) — the vector store is a plain relational backend, not
// a versioned one; see DESIGN.md for that scoping decision.
package vectorstore

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/dolthub/driver"
	_ "github.com/go-sql-driver/mysql"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"log/slog"

	"github.com/EulerSearch/embedding-studio-sub001/internal/apperrors"
	"github.com/EulerSearch/embedding-studio-sub001/internal/idgen"
)

// Config selects and tunes the vector store connection.
type Config struct {
	// Driver is "dolt" (embedded, CGO) or "mysql" (server mode).
	Driver string
	// DSN is the driver-specific data source name: an embedded Dolt
	// directory path for "dolt", or a MySQL DSN for "mysql".
	DSN string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

func applyConfigDefaults(cfg *Config) {
	if cfg.Driver == "" {
		cfg.Driver = "dolt"
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 10
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
}

// Store is the vector store driver. One Store serves every collection; each
// collection gets its own pair of physical tables (schema.go).
type Store struct {
	db         *sql.DB
	serverMode bool
	logger     *slog.Logger

	mu      sync.Mutex
	indexes map[string]ANNIndex // collection_id -> lazily built search index
}

var storeTracer = otel.Tracer("github.com/EulerSearch/embedding-studio-sub001/vectorstore")

// New opens the vector store connection per cfg.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	applyConfigDefaults(&cfg)
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, apperrors.UnavailableDependency("vectorstore.open: %v", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxElapsedTime = cfg.ConnectTimeout
	if err := backoff.Retry(func() error {
		pingErr := db.PingContext(pingCtx)
		if pingErr != nil && !isRetryableError(pingErr) {
			return backoff.Permanent(pingErr)
		}
		return pingErr
	}, backoff.WithContext(bo, pingCtx)); err != nil {
		db.Close()
		return nil, apperrors.UnavailableDependency("vectorstore.ping: %v", err)
	}

	return &Store{
		db:         db,
		serverMode: cfg.Driver == "mysql",
		logger:     logger,
		indexes:    make(map[string]ANNIndex),
	}, nil
}

// NewFromDB wraps an already-open *sql.DB, used by tests that set up their
// own embedded Dolt connection.
func NewFromDB(db *sql.DB, serverMode bool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, serverMode: serverMode, logger: logger, indexes: make(map[string]ANNIndex)}
}

func (s *Store) Close() error { return s.db.Close() }

// DB returns the underlying connection pool, for subsystems backed by the
// same physical database (taskstore, clickstream share this store's DSN
// per §4.A/§4.F).
func (s *Store) DB() *sql.DB { return s.db }

// isRetryableError classifies server-mode transient connection errors,
// grounded verbatim on the teacher's internal/storage/dolt/store.go
// isRetryableError.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	for _, marker := range []string{
		"driver: bad connection",
		"invalid connection",
		"broken pipe",
		"connection reset",
		"connection refused",
		"database is read only",
		"lost connection",
		"gone away",
		"i/o timeout",
		"unknown database",
	} {
		if strings.Contains(errStr, marker) {
			return true
		}
	}
	return false
}

// withRetry executes op with server-mode retry for transient errors; the
// embedded driver has its own retry internally so this is a no-op there.
func (s *Store) withRetry(ctx context.Context, op func() error) error {
	if !s.serverMode {
		return op()
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second
	return backoff.Retry(func() error {
		err := op()
		if err != nil && isRetryableError(err) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(bo, ctx))
}

func spanSQL(q string) string {
	if len(q) > 300 {
		return q[:300] + "…"
	}
	return q
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (s *Store) execContext(ctx context.Context, op, query string, args ...any) (sql.Result, error) {
	ctx, span := storeTracer.Start(ctx, "vectorstore."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("db.statement", spanSQL(query))),
	)
	var result sql.Result
	err := s.withRetry(ctx, func() error {
		var execErr error
		result, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	})
	endSpan(span, err)
	if err != nil {
		return nil, apperrors.WrapDBError("vectorstore."+op, err)
	}
	return result, nil
}

func (s *Store) queryContext(ctx context.Context, op, query string, args ...any) (*sql.Rows, error) {
	ctx, span := storeTracer.Start(ctx, "vectorstore."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("db.statement", spanSQL(query))),
	)
	var rows *sql.Rows
	err := s.withRetry(ctx, func() error {
		var queryErr error
		rows, queryErr = s.db.QueryContext(ctx, query, args...)
		return queryErr
	})
	endSpan(span, err)
	if err != nil {
		return nil, apperrors.WrapDBError("vectorstore."+op, err)
	}
	return rows, nil
}

func (s *Store) queryRowContext(ctx context.Context, op string, scan func(*sql.Row) error, query string, args ...any) error {
	ctx, span := storeTracer.Start(ctx, "vectorstore."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("db.statement", spanSQL(query))),
	)
	err := s.withRetry(ctx, func() error {
		return scan(s.db.QueryRowContext(ctx, query, args...))
	})
	endSpan(span, err)
	if err != nil {
		return apperrors.WrapDBError("vectorstore."+op, err)
	}
	return nil
}

// tableNames returns the deterministic (object, part) table names for a
// collection, via idgen.CollectionTableNames.
func tableNames(collectionID string) (objectTable, partTable string) {
	return idgen.CollectionTableNames(collectionID)
}

func quoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}
