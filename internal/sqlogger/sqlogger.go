// Copyright 2023 Jesus Ruiz. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package sqlogger implements a slog.Handler which writes the log records both to the console
// and to a SQLite database, so the recent history can be inspected from the admin pages.
package sqlogger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
	sqlb "github.com/huandu/go-sqlbuilder"
	slogmulti "github.com/samber/slog-multi"
	"gitlab.com/greyxor/slogor"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/hesusruiz/pepproxy/internal/errl"
)

const DefaultDBName = "./pepproxy-log.db"

var createLogTableSQL = `
CREATE TABLE IF NOT EXISTS logs (
	"id" INTEGER PRIMARY KEY AUTOINCREMENT,
	"time" INTEGER NOT NULL,
	"level" INTEGER NOT NULL,
	"msg" TEXT NOT NULL,
	"attrs" TEXT
);
PRAGMA journal_mode = WAL;
CREATE INDEX IF NOT EXISTS idx_logs_level ON logs (level);
`

const insertLogSQL = `INSERT INTO logs (time, level, msg, attrs) VALUES (?, ?, ?, ?);`

type Options struct {
	// Level reports the minimum level to log. It is shared between the console and the database.
	Level *slog.LevelVar

	// NoColor disables color output in the console
	NoColor bool

	// DBName is the SQLite database file. If empty, DefaultDBName is used.
	DBName string

	// Output is the console writer. If nil, os.Stdout is used.
	Output io.Writer
}

// LogEntry is one record as stored in the database
type LogEntry struct {
	ID      int64
	Time    time.Time
	Level   slog.Level
	Message string
	Attrs   string
}

// SQLogHandlerInterface is implemented by handlers which can return the stored log records
type SQLogHandlerInterface interface {
	slog.Handler
	Retrieve(max int) ([]LogEntry, error)
}

type SQLogHandler struct {
	opts    Options
	pool    *sqlitex.Pool
	handler slog.Handler
}

var _ SQLogHandlerInterface = (*SQLogHandler)(nil)

func NewSQLogHandler(opts *Options) (*SQLogHandler, error) {
	h := &SQLogHandler{}
	if opts != nil {
		h.opts = *opts
	}
	if h.opts.Level == nil {
		h.opts.Level = new(slog.LevelVar)
	}
	if h.opts.DBName == "" {
		h.opts.DBName = DefaultDBName
	}
	if h.opts.Output == nil {
		h.opts.Output = os.Stdout
	}

	pool, err := sqlitex.NewPool(h.opts.DBName, sqlitex.PoolOptions{PoolSize: 4})
	if err != nil {
		return nil, errl.Errorf("opening log database %s: %w", h.opts.DBName, err)
	}
	h.pool = pool

	if err := createTables(pool); err != nil {
		pool.Close()
		return nil, errl.Error(err)
	}

	// The console and the database receive the same records.
	// Level filtering is done once in Enabled, so both sinks accept everything.
	var console slog.Handler
	if h.opts.NoColor {
		console = slog.NewTextHandler(h.opts.Output, &slog.HandlerOptions{Level: slog.LevelDebug})
	} else {
		console = slogor.NewHandler(h.opts.Output, slogor.SetLevel(slog.LevelDebug), slogor.SetTimeFormat(time.TimeOnly))
	}

	h.handler = slogmulti.Fanout(console, &dbHandler{pool: pool})

	return h, nil
}

func createTables(pool *sqlitex.Pool) error {
	conn, err := pool.Take(context.Background())
	if err != nil {
		return err
	}
	defer pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, createLogTableSQL, nil); err != nil {
		return errl.Errorf("creating log table: %w", err)
	}
	return nil
}

// Level returns the level variable so it can be changed at runtime
func (h *SQLogHandler) Level() *slog.LevelVar {
	return h.opts.Level
}

func (h *SQLogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.opts.Level.Level()
}

func (h *SQLogHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.handler.Handle(ctx, r)
}

func (h *SQLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &SQLogHandler{opts: h.opts, pool: h.pool, handler: h.handler.WithAttrs(attrs)}
}

func (h *SQLogHandler) WithGroup(name string) slog.Handler {
	return &SQLogHandler{opts: h.opts, pool: h.pool, handler: h.handler.WithGroup(name)}
}

// Retrieve returns the most recent max records, newest first
func (h *SQLogHandler) Retrieve(max int) ([]LogEntry, error) {
	return h.RetrieveLevel(max, slog.LevelDebug)
}

// RetrieveLevel returns the most recent max records with at least the given level, newest first
func (h *SQLogHandler) RetrieveLevel(max int, level slog.Level) ([]LogEntry, error) {
	conn, err := h.pool.Take(context.Background())
	if err != nil {
		return nil, errl.Error(err)
	}
	defer h.pool.Put(conn)

	sb := sqlb.SQLite.NewSelectBuilder()
	sb.Select("id", "time", "level", "msg", "attrs").From("logs")
	sb.Where(sb.GreaterEqualThan("level", int(level)))
	sb.OrderBy("id").Desc()
	sb.Limit(max)
	query, args := sb.Build()

	var entries []LogEntry
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			entries = append(entries, LogEntry{
				ID:      stmt.GetInt64("id"),
				Time:    time.UnixMilli(stmt.GetInt64("time")),
				Level:   slog.Level(stmt.GetInt64("level")),
				Message: stmt.GetText("msg"),
				Attrs:   stmt.GetText("attrs"),
			})
			return nil
		},
	})
	if err != nil {
		return nil, errl.Error(err)
	}

	return entries, nil
}

func (h *SQLogHandler) Close() error {
	if h.pool == nil {
		return nil
	}
	return h.pool.Close()
}

// ****************************************************
// The database sink
// ****************************************************

type dbHandler struct {
	pool   *sqlitex.Pool
	attrs  []slog.Attr
	groups []string
}

func (d *dbHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

func (d *dbHandler) Handle(_ context.Context, r slog.Record) error {
	attrs := map[string]any{}
	for _, a := range d.attrs {
		addAttr(attrs, "", a)
	}
	prefix := ""
	if len(d.groups) > 0 {
		prefix = strings.Join(d.groups, ".") + "."
	}
	r.Attrs(func(a slog.Attr) bool {
		addAttr(attrs, prefix, a)
		return true
	})

	var content string
	if len(attrs) > 0 {
		b, err := json.Marshal(attrs)
		if err == nil {
			content = string(b)
		}
	}

	// The record context may belong to a request already finished, so it is not used for the pool.
	conn, err := d.pool.Take(context.Background())
	if err != nil {
		return err
	}
	defer d.pool.Put(conn)

	return sqlitex.Execute(conn, insertLogSQL, &sqlitex.ExecOptions{
		Args: []any{r.Time.UnixMilli(), int64(r.Level), r.Message, content},
	})
}

func (d *dbHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	prefix := ""
	if len(d.groups) > 0 {
		prefix = strings.Join(d.groups, ".") + "."
	}
	newAttrs := make([]slog.Attr, 0, len(d.attrs)+len(attrs))
	newAttrs = append(newAttrs, d.attrs...)
	for _, a := range attrs {
		newAttrs = append(newAttrs, slog.Attr{Key: prefix + a.Key, Value: a.Value})
	}
	return &dbHandler{pool: d.pool, attrs: newAttrs, groups: d.groups}
}

func (d *dbHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return d
	}
	groups := append(append([]string{}, d.groups...), name)
	return &dbHandler{pool: d.pool, attrs: d.attrs, groups: groups}
}

func addAttr(m map[string]any, prefix string, a slog.Attr) {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p = prefix + a.Key + "."
		}
		for _, ga := range v.Group() {
			addAttr(m, p, ga)
		}
		return
	}
	if a.Key == "" {
		return
	}
	switch v.Kind() {
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			m[prefix+a.Key] = err.Error()
			return
		}
		m[prefix+a.Key] = v.Any()
	case slog.KindTime:
		m[prefix+a.Key] = v.Time().Format(time.RFC3339Nano)
	case slog.KindDuration:
		m[prefix+a.Key] = v.Duration().String()
	default:
		m[prefix+a.Key] = v.Any()
	}
}
