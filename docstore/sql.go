package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	_ "modernc.org/sqlite"
)

var tracer = otel.Tracer("storagejanitor/docstore")

// dialect captures the JSON and upsert syntax of one SQL engine. Every
// collection is a two-column table: doc_key and the JSON document.
type dialect struct {
	name        string
	createTable string
	upsert      string
	// value extracts a field for comparison and ordering.
	value func(field string) string
	// text extracts a field as an unquoted string.
	text       func(field string) string
	prefix     func(expr string) string
	groupArray string
	noLimit    string
	jsonKeys   bool
}

var sqliteDialect = dialect{
	name:        "sqlite",
	createTable: `CREATE TABLE IF NOT EXISTS %s (doc_key TEXT PRIMARY KEY, doc TEXT NOT NULL)`,
	upsert:      `INSERT INTO %s (doc_key, doc) VALUES (?, ?) ON CONFLICT(doc_key) DO UPDATE SET doc = excluded.doc`,
	value: func(field string) string {
		return fmt.Sprintf("json_extract(doc, '$.%s')", field)
	},
	text: func(field string) string {
		return fmt.Sprintf("json_extract(doc, '$.%s')", field)
	},
	prefix: func(expr string) string {
		return fmt.Sprintf("substr(%s, 1, length(?)) = ?", expr)
	},
	groupArray: "json_group_array(json(doc))",
	noLimit:    "-1",
}

var mysqlDialect = dialect{
	name:        "mysql",
	createTable: `CREATE TABLE IF NOT EXISTS %s (doc_key VARCHAR(768) NOT NULL PRIMARY KEY, doc JSON NOT NULL)`,
	upsert:      `INSERT INTO %s (doc_key, doc) VALUES (?, ?) ON DUPLICATE KEY UPDATE doc = VALUES(doc)`,
	value: func(field string) string {
		return fmt.Sprintf("JSON_EXTRACT(doc, '$.%s')", field)
	},
	text: func(field string) string {
		return fmt.Sprintf("JSON_UNQUOTE(JSON_EXTRACT(doc, '$.%s'))", field)
	},
	prefix: func(expr string) string {
		return fmt.Sprintf("LEFT(%s, CHAR_LENGTH(?)) = ?", expr)
	},
	groupArray: "JSON_ARRAYAGG(doc)",
	noLimit:    "18446744073709551615",
	jsonKeys:   true,
}

// SQLStore is a database handle shared by the SQL collections built on it.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

// OpenSQLite opens (or creates) a SQLite database file. Writes are serialized
// over a single connection.
func OpenSQLite(path string) (*SQLStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("database path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}
	return &SQLStore{db: db, dialect: sqliteDialect}, nil
}

// OpenMySQL connects to a MySQL-compatible server (MySQL 8, TiDB).
func OpenMySQL(dsn string) (*SQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	return &SQLStore{db: db, dialect: mysqlDialect}, nil
}

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SQLCollection stores documents of type T in one table.
type SQLCollection[T any] struct {
	store *SQLStore
	name  string
}

// NewSQLCollection binds a collection to a table, creating it if needed.
func NewSQLCollection[T any](ctx context.Context, store *SQLStore, name string) (*SQLCollection[T], error) {
	if err := validateCollectionName(name); err != nil {
		return nil, err
	}
	stmt := fmt.Sprintf(store.dialect.createTable, name)
	if _, err := store.db.ExecContext(ctx, stmt); err != nil {
		return nil, fmt.Errorf("create collection %s: %w", name, err)
	}
	return &SQLCollection[T]{store: store, name: name}, nil
}

func (c *SQLCollection[T]) Name() string { return c.name }

func (c *SQLCollection[T]) startSpan(ctx context.Context, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "docstore."+op,
		trace.WithAttributes(
			attribute.String("db.system", c.store.dialect.name),
			attribute.String("docstore.collection", c.name),
		),
	)
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func (c *SQLCollection[T]) Upsert(ctx context.Context, key string, doc T) error {
	ctx, span := c.startSpan(ctx, "upsert")
	defer span.End()

	raw, _, err := encode(doc)
	if err != nil {
		return fail(span, err)
	}
	stmt := fmt.Sprintf(c.store.dialect.upsert, c.name)
	if _, err := c.store.db.ExecContext(ctx, stmt, key, string(raw)); err != nil {
		return fail(span, fmt.Errorf("upsert %s: %w", c.name, err))
	}
	return nil
}

func (c *SQLCollection[T]) Get(ctx context.Context, key string) (T, error) {
	ctx, span := c.startSpan(ctx, "get")
	defer span.End()

	var zero T
	var raw string
	stmt := fmt.Sprintf("SELECT doc FROM %s WHERE doc_key = ?", c.name)
	err := c.store.db.QueryRowContext(ctx, stmt, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return zero, ErrNotFound
	}
	if err != nil {
		return zero, fail(span, fmt.Errorf("get %s: %w", c.name, err))
	}
	return decode[T]([]byte(raw))
}

func (c *SQLCollection[T]) Delete(ctx context.Context, key string) error {
	ctx, span := c.startSpan(ctx, "delete")
	defer span.End()

	stmt := fmt.Sprintf("DELETE FROM %s WHERE doc_key = ?", c.name)
	if _, err := c.store.db.ExecContext(ctx, stmt, key); err != nil {
		return fail(span, fmt.Errorf("delete %s: %w", c.name, err))
	}
	return nil
}

func (c *SQLCollection[T]) UpdateIf(ctx context.Context, key string, cond Filter, doc T) (bool, error) {
	ctx, span := c.startSpan(ctx, "update_if")
	defer span.End()

	raw, _, err := encode(doc)
	if err != nil {
		return false, fail(span, err)
	}
	where, args, err := c.where(cond)
	if err != nil {
		return false, fail(span, err)
	}
	stmt := fmt.Sprintf("UPDATE %s SET doc = ? WHERE doc_key = ?", c.name)
	if where != "" {
		stmt += " AND " + where
	}
	res, err := c.store.db.ExecContext(ctx, stmt, append([]interface{}{string(raw), key}, args...)...)
	if err != nil {
		return false, fail(span, fmt.Errorf("update %s: %w", c.name, err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fail(span, err)
	}
	span.SetAttributes(attribute.Bool("docstore.updated", n > 0))
	return n > 0, nil
}

func (c *SQLCollection[T]) Find(ctx context.Context, q Query) ([]T, error) {
	ctx, span := c.startSpan(ctx, "find")
	defer span.End()

	where, args, err := c.where(q.Filter)
	if err != nil {
		return nil, fail(span, err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT doc FROM %s", c.name)
	if where != "" {
		b.WriteString(" WHERE " + where)
	}
	b.WriteString(" ORDER BY ")
	for _, s := range q.Sort {
		if err := validateField(s.Field); err != nil {
			return nil, fail(span, err)
		}
		b.WriteString(c.store.dialect.value(s.Field))
		if s.Desc {
			b.WriteString(" DESC")
		}
		b.WriteString(", ")
	}
	b.WriteString("doc_key")
	switch {
	case q.Limit > 0:
		b.WriteString(" LIMIT ? OFFSET ?")
		args = append(args, q.Limit, max(q.Skip, 0))
	case q.Skip > 0:
		b.WriteString(" LIMIT " + c.store.dialect.noLimit + " OFFSET ?")
		args = append(args, q.Skip)
	}

	rows, err := c.store.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fail(span, fmt.Errorf("find %s: %w", c.name, err))
	}
	defer rows.Close()

	out := []T{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fail(span, err)
		}
		doc, err := decode[T]([]byte(raw))
		if err != nil {
			return nil, fail(span, err)
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, err)
	}
	span.SetAttributes(attribute.Int("docstore.results", len(out)))
	return out, nil
}

func (c *SQLCollection[T]) Count(ctx context.Context, f Filter) (int64, error) {
	ctx, span := c.startSpan(ctx, "count")
	defer span.End()

	where, args, err := c.where(f)
	if err != nil {
		return 0, fail(span, err)
	}
	stmt := fmt.Sprintf("SELECT COUNT(*) FROM %s", c.name)
	if where != "" {
		stmt += " WHERE " + where
	}
	var n int64
	if err := c.store.db.QueryRowContext(ctx, stmt, args...).Scan(&n); err != nil {
		return 0, fail(span, fmt.Errorf("count %s: %w", c.name, err))
	}
	return n, nil
}

func (c *SQLCollection[T]) Aggregate(ctx context.Context, p Pipeline) ([]Group[T], error) {
	ctx, span := c.startSpan(ctx, "aggregate")
	defer span.End()

	if len(p.GroupBy) == 0 {
		return nil, fail(span, errors.New("docstore: aggregate needs at least one group-by field"))
	}
	where, args, err := c.where(p.Match)
	if err != nil {
		return nil, fail(span, err)
	}
	keys := make([]string, len(p.GroupBy))
	for i, field := range p.GroupBy {
		if err := validateField(field); err != nil {
			return nil, fail(span, err)
		}
		keys[i] = c.store.dialect.value(field)
	}
	keyList := strings.Join(keys, ", ")
	stmt := fmt.Sprintf("SELECT %s, COUNT(*), %s FROM %s", keyList, c.store.dialect.groupArray, c.name)
	if where != "" {
		stmt += " WHERE " + where
	}
	stmt += " GROUP BY " + keyList + " HAVING COUNT(*) >= ? ORDER BY " + keyList
	args = append(args, max(p.MinCount, 1))

	rows, err := c.store.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fail(span, fmt.Errorf("aggregate %s: %w", c.name, err))
	}
	defer rows.Close()

	var out []Group[T]
	for rows.Next() {
		keyVals := make([]interface{}, len(keys))
		var count int
		var docs string
		dest := make([]interface{}, 0, len(keys)+2)
		for i := range keyVals {
			dest = append(dest, &keyVals[i])
		}
		dest = append(dest, &count, &docs)
		if err := rows.Scan(dest...); err != nil {
			return nil, fail(span, err)
		}
		var rawDocs []json.RawMessage
		if err := json.Unmarshal([]byte(docs), &rawDocs); err != nil {
			return nil, fail(span, fmt.Errorf("docstore: decode group: %w", err))
		}
		g := Group[T]{Key: make([]interface{}, len(keys)), Count: count}
		for i, v := range keyVals {
			g.Key[i] = c.scanKey(v)
		}
		for _, raw := range rawDocs {
			doc, err := decode[T](raw)
			if err != nil {
				return nil, fail(span, err)
			}
			g.Docs = append(g.Docs, doc)
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, err)
	}
	return out, nil
}

// scanKey converts a driver value into the types produced by decoding JSON.
func (c *SQLCollection[T]) scanKey(v interface{}) interface{} {
	if b, ok := v.([]byte); ok {
		if c.store.dialect.jsonKeys {
			var out interface{}
			if err := json.Unmarshal(b, &out); err == nil {
				return out
			}
		}
		return string(b)
	}
	switch t := v.(type) {
	case int64:
		return float64(t)
	case string:
		if c.store.dialect.jsonKeys {
			var out interface{}
			if err := json.Unmarshal([]byte(t), &out); err == nil {
				return out
			}
		}
		return t
	}
	return v
}

func (c *SQLCollection[T]) where(f Filter) (string, []interface{}, error) {
	if err := validateFilter(f); err != nil {
		return "", nil, err
	}
	d := c.store.dialect
	clauses := make([]string, 0, len(f))
	var args []interface{}
	for _, cond := range f {
		expr := d.value(cond.Field)
		switch cond.Op {
		case Exists:
			want, _ := cond.Value.(bool)
			if cond.Value == nil || want {
				clauses = append(clauses, expr+" IS NOT NULL")
			} else {
				clauses = append(clauses, expr+" IS NULL")
			}
		case Eq, Ne, Gt, Gte, Lt, Lte:
			op := map[Op]string{Eq: "=", Ne: "<>", Gt: ">", Gte: ">=", Lt: "<", Lte: "<="}[cond.Op]
			clause := fmt.Sprintf("%s %s ?", expr, op)
			if cond.Op == Ne {
				clause = fmt.Sprintf("(%s IS NULL OR %s)", expr, clause)
			}
			clauses = append(clauses, clause)
			args = append(args, normalizeValue(cond.Value))
		case Prefix:
			prefix, ok := cond.Value.(string)
			if !ok {
				return "", nil, fmt.Errorf("docstore: prefix on %q needs a string", cond.Field)
			}
			clauses = append(clauses, d.prefix(d.text(cond.Field)))
			args = append(args, prefix, prefix)
		case In:
			list, _ := normalizeValue(cond.Value).([]interface{})
			if len(list) == 0 {
				clauses = append(clauses, "1 = 0")
				continue
			}
			marks := strings.TrimSuffix(strings.Repeat("?, ", len(list)), ", ")
			clauses = append(clauses, fmt.Sprintf("%s IN (%s)", expr, marks))
			args = append(args, list...)
		}
	}
	return strings.Join(clauses, " AND "), args, nil
}
