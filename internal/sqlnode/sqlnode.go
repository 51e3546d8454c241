// Package sqlnode serves nodes of kind sql: parameterized statements run on
// a pooled database connection, reported through the same Result as HTTP
// dispatches.
package sqlnode

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"nodegate/internal/catalog"
	"nodegate/internal/config"
	"nodegate/internal/dispatch"
	"nodegate/internal/logging"
	"nodegate/internal/metrics"
	"nodegate/internal/nodeerr"
	"nodegate/internal/params"
	"nodegate/internal/redact"
	"nodegate/internal/request"
)

// Operation names.
const (
	OpQuery    = "query"
	OpQueryOne = "query_one"
	OpExec     = "exec"
)

const defaultMaxRows = 1000

//go:embed operations.yaml
var operationsYAML []byte

// Operations parses the operation table shared by every SQL node.
func Operations() (*catalog.Catalog, error) {
	return catalog.Parse(operationsYAML, "sql")
}

// Open creates a connection pool for c. Connections are made on demand.
func Open(c config.SQLConfig) (*sqlx.DB, error) {
	db, err := sqlx.Open(c.Driver, c.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", c.Driver, err)
	}
	db.SetMaxOpenConns(c.MaxOpenConns)
	db.SetMaxIdleConns(c.MaxIdleConns)
	if c.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.Seconds(c.ConnMaxLifetime))
	}
	return db, nil
}

type Options struct {
	Logger   *slog.Logger
	Redactor *redact.Redactor
	Metrics  *metrics.Collector
	Audit    dispatch.Recorder

	// DB reuses the pool of a previous node whose connection settings did
	// not change.
	DB *sqlx.DB
}

// Node runs statements for one sql node. Safe for concurrent use; every
// operation holds one pooled connection for its duration.
type Node struct {
	cfg      config.NodeConfig
	catalog  *catalog.Catalog
	db       *sqlx.DB
	logger   *slog.Logger
	redactor *redact.Redactor
	observer dispatch.Observer

	connectTimeout time.Duration
	total          time.Duration
}

func New(cfg config.NodeConfig, opts Options) (*Node, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("node %s: %w", cfg.Name, err)
	}
	if cfg.Kind != config.KindSQL {
		return nil, fmt.Errorf("node %s: kind %q is not a sql node", cfg.Name, cfg.Kind)
	}
	cat, err := Operations()
	if err != nil {
		return nil, err
	}
	if cfg.Filter != nil {
		cat = cat.Filter(cfg.Filter)
		if len(cat.Operations) == 0 {
			return nil, fmt.Errorf("node %s: filter removed every operation", cfg.Name)
		}
	}

	db := opts.DB
	if db == nil {
		if db, err = Open(*cfg.SQL); err != nil {
			return nil, fmt.Errorf("node %s: %w", cfg.Name, err)
		}
	}
	redactor := opts.Redactor
	if redactor == nil {
		redactor = redact.NewRedactor(cfg.Secrets()...)
	}
	n := &Node{
		cfg:            cfg,
		catalog:        cat,
		db:             db,
		logger:         logging.ForNode(opts.Logger, cfg.Name, "sql"),
		redactor:       redactor,
		connectTimeout: config.Seconds(cfg.SQL.ConnectTimeout),
	}
	if cfg.Timeouts != nil {
		n.total = config.Seconds(cfg.Timeouts.Total)
	}
	n.observer = dispatch.Observer{Node: cfg.Name, Metrics: opts.Metrics, Audit: opts.Audit, Redactor: redactor}
	return n, nil
}

func (n *Node) Config() config.NodeConfig { return n.cfg }
func (n *Node) Catalog() *catalog.Catalog { return n.catalog }
func (n *Node) DB() *sqlx.DB { return n.db }

// Close closes the pool. In-flight statements finish first.
func (n *Node) Close() error {
	return n.db.Close()
}

// Dispatch runs the operation named by p's operation key.
func (n *Node) Dispatch(ctx context.Context, p params.Map) dispatch.Result {
	start := time.Now()
	id := uuid.NewString()
	op := p.Operation()

	if n.total > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.total)
		defer cancel()
	}
	res := n.safeRun(ctx, op, p)

	elapsed := time.Since(start)
	res.RequestID = id
	res.ExecutionTime = elapsed.Seconds()
	if res.OK() {
		n.logger.Info("statement complete", "request_id", id, "operation", op, "duration", elapsed)
	} else {
		n.logger.Warn("statement failed", "request_id", id, "operation", op, "error_kind", res.ErrorKind, "error", n.redactor.Redact(res.Error))
	}
	n.observer.Observe(id, op, res, elapsed)
	return res
}

func (n *Node) safeRun(ctx context.Context, name string, p params.Map) (res dispatch.Result) {
	defer func() {
		if v := recover(); v != nil {
			n.logger.Error("statement panic", "operation", name, "panic", v, "stack", string(debug.Stack()))
			res = dispatch.ErrorResult(fmt.Errorf("internal error: %v", v))
		}
	}()
	data, err := n.run(ctx, name, p)
	if err != nil {
		return dispatch.ErrorResult(err)
	}
	return dispatch.Result{Status: dispatch.StatusSuccess, Data: data, StatusCode: http.StatusOK}
}

func (n *Node) run(ctx context.Context, name string, p params.Map) (any, error) {
	if name == "" {
		return nil, nodeerr.Invalid(params.OperationKey, "required", "missing required parameter")
	}
	op, ok := n.catalog.Operation(name)
	if !ok {
		return nil, nodeerr.Invalid(params.OperationKey, "operation", fmt.Sprintf("%v %q", nodeerr.ErrUnknownOperation, name))
	}
	if err := request.Validate(op, p, nil); err != nil {
		return nil, err
	}
	args, err := statementArgs(p)
	if err != nil {
		return nil, err
	}

	conn, err := n.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	stmt := conn.Rebind(p.Text("sql"))

	switch op.Name {
	case OpQuery:
		maxRows := defaultMaxRows
		if v, ok := p.Lookup("max_rows"); ok && !v.IsNull() {
			if m, err := strconv.Atoi(v.Text()); err == nil {
				maxRows = m
			}
		}
		rows, truncated, err := query(ctx, conn, stmt, args, maxRows)
		if truncated {
			n.logger.Warn("result truncated", "max_rows", maxRows)
		}
		return rows, err
	case OpQueryOne:
		rows, _, err := query(ctx, conn, stmt, args, 1)
		if err != nil || len(rows) == 0 {
			return nil, err
		}
		return rows[0], nil
	case OpExec:
		result, err := conn.ExecContext(ctx, stmt, args...)
		if err != nil {
			return nil, statementError(OpExec, err)
		}
		out := map[string]any{}
		if affected, err := result.RowsAffected(); err == nil {
			out["rows_affected"] = affected
		}
		// lib/pq does not support LastInsertId.
		if id, err := result.LastInsertId(); err == nil {
			out["last_insert_id"] = id
		}
		return out, nil
	}
	return nil, fmt.Errorf("operation %s has no handler", op.Name)
}

// acquire takes a connection from the pool, waiting at most connect_timeout.
func (n *Node) acquire(ctx context.Context) (*sqlx.Conn, error) {
	cctx := ctx
	if n.connectTimeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, n.connectTimeout)
		defer cancel()
	}
	conn, err := n.db.Connx(cctx)
	if err != nil {
		class := nodeerr.ClassConnection
		if errors.Is(err, context.DeadlineExceeded) {
			class = nodeerr.ClassTimeout
		}
		return nil, &nodeerr.HTTPError{Class: class, Err: fmt.Errorf("acquire connection: %w", err)}
	}
	return conn, nil
}

// query reads at most maxRows rows and reports whether more were available.
func query(ctx context.Context, conn *sqlx.Conn, stmt string, args []any, maxRows int) ([]map[string]any, bool, error) {
	rows, err := conn.QueryxContext(ctx, stmt, args...)
	if err != nil {
		return nil, false, statementError(OpQuery, err)
	}
	defer rows.Close()

	out := []map[string]any{}
	for rows.Next() {
		if len(out) == maxRows {
			return out, true, nil
		}
		row := map[string]any{}
		if err := rows.MapScan(row); err != nil {
			return nil, false, statementError(OpQuery, err)
		}
		for k, v := range row {
			if b, ok := v.([]byte); ok {
				row[k] = string(b)
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, false, statementError(OpQuery, err)
	}
	return out, false, nil
}

func statementError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	return &nodeerr.QueryError{Op: op, Err: err}
}

// statementArgs converts the args param into driver values. Objects and
// lists are passed as JSON text.
func statementArgs(p params.Map) ([]any, error) {
	v, ok := p.Lookup("args")
	if !ok || v.IsNull() {
		return nil, nil
	}
	args := make([]any, 0, v.Len())
	for i, item := range v.Items() {
		switch item.Kind() {
		case params.Object, params.Array:
			data, err := json.Marshal(item)
			if err != nil {
				return nil, nodeerr.Invalid("args", "type", fmt.Sprintf("args[%d]: %v", i, err))
			}
			args = append(args, string(data))
		default:
			args = append(args, item.Any())
		}
	}
	return args, nil
}
