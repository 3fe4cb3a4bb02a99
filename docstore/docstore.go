// Package docstore is a small document-collection abstraction. Documents are
// Go values serialized as JSON and addressed by a caller-chosen key. Filters,
// sorts and group-by clauses refer to JSON field names; nested fields use dots
// ("counts.errors").
//
// String values compare lexicographically in every backend, so timestamps that
// take part in range filters or sorts must be stored in a fixed-width layout.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ErrNotFound is returned by Get when no document has the requested key.
var ErrNotFound = errors.New("document not found")

type Op string

const (
	Eq     Op = "eq"
	Ne     Op = "ne"
	Gt     Op = "gt"
	Gte    Op = "gte"
	Lt     Op = "lt"
	Lte    Op = "lte"
	Exists Op = "exists"
	Prefix Op = "prefix"
	In     Op = "in"
)

// Cond is a single predicate on a document field. For Exists the value is a
// bool (nil means true); for In it is a slice.
type Cond struct {
	Field string
	Op    Op
	Value interface{}
}

// Filter is a conjunction of conditions. An empty filter matches everything.
type Filter []Cond

func Where(field string, op Op, value interface{}) Cond {
	return Cond{Field: field, Op: op, Value: value}
}

type SortField struct {
	Field string
	Desc  bool
}

// Query selects documents. Results are ordered by Sort, then by key.
type Query struct {
	Filter Filter
	Sort   []SortField
	Skip   int
	Limit  int
}

// Pipeline groups the documents matching Match by the GroupBy fields and keeps
// groups with at least MinCount members.
type Pipeline struct {
	Match    Filter
	GroupBy  []string
	MinCount int
}

// Group is one aggregation bucket. Key holds the group-by values in order.
// Member order inside Docs is unspecified.
type Group[T any] struct {
	Key   []interface{}
	Count int
	Docs  []T
}

// Collection stores documents of one type under unique keys.
type Collection[T any] interface {
	Name() string
	Upsert(ctx context.Context, key string, doc T) error
	Get(ctx context.Context, key string) (T, error)
	Delete(ctx context.Context, key string) error
	// UpdateIf replaces the document only when the stored one matches cond.
	// It reports whether the replacement happened.
	UpdateIf(ctx context.Context, key string, cond Filter, doc T) (bool, error)
	Find(ctx context.Context, q Query) ([]T, error)
	Count(ctx context.Context, f Filter) (int64, error)
	Aggregate(ctx context.Context, p Pipeline) ([]Group[T], error)
}

var (
	fieldPattern      = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)
	collectionPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)
)

func validateField(field string) error {
	if !fieldPattern.MatchString(field) {
		return fmt.Errorf("docstore: invalid field name %q", field)
	}
	return nil
}

func validateCollectionName(name string) error {
	if !collectionPattern.MatchString(name) {
		return fmt.Errorf("docstore: invalid collection name %q", name)
	}
	return nil
}

func validateFilter(f Filter) error {
	for _, c := range f {
		if err := validateField(c.Field); err != nil {
			return err
		}
		switch c.Op {
		case Eq, Ne, Gt, Gte, Lt, Lte, Prefix:
		case Exists:
			if c.Value != nil {
				if _, ok := c.Value.(bool); !ok {
					return fmt.Errorf("docstore: exists on %q needs a bool", c.Field)
				}
			}
		case In:
			if _, ok := normalizeValue(c.Value).([]interface{}); !ok {
				return fmt.Errorf("docstore: in on %q needs a slice", c.Field)
			}
		default:
			return fmt.Errorf("docstore: unsupported operator %q", c.Op)
		}
	}
	return nil
}

// encode serializes a document and returns its generic field map.
func encode(doc interface{}) ([]byte, map[string]interface{}, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, nil, fmt.Errorf("docstore: encode: %w", err)
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, nil, fmt.Errorf("docstore: document must encode as an object: %w", err)
	}
	return raw, fields, nil
}

func decode[T any](raw []byte) (T, error) {
	var doc T
	if err := json.Unmarshal(raw, &doc); err != nil {
		return doc, fmt.Errorf("docstore: decode: %w", err)
	}
	return doc, nil
}

// TimeLayout is the fixed-width encoding for stored timestamps. Documents
// should encode their times with it so that range filters and sorts on those
// fields follow time order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// normalizeValue maps a filter value onto the types produced by decoding JSON
// (float64, string, bool, []interface{}, map[string]interface{}).
func normalizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case nil, string, bool, float64:
		return t
	case time.Time:
		return t.UTC().Format(TimeLayout)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

func lookup(fields map[string]interface{}, field string) (interface{}, bool) {
	var current interface{} = fields
	for _, part := range strings.Split(field, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
