package docstore

import (
	"cmp"
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
)

type memEntry struct {
	raw    []byte
	fields map[string]interface{}
}

// MemoryCollection keeps documents in a map guarded by a mutex. Documents are
// stored serialized so callers never share memory with the store.
type MemoryCollection[T any] struct {
	name string
	mu   sync.RWMutex
	docs map[string]memEntry
}

func NewMemoryCollection[T any](name string) *MemoryCollection[T] {
	return &MemoryCollection[T]{name: name, docs: make(map[string]memEntry)}
}

func (c *MemoryCollection[T]) Name() string { return c.name }

func (c *MemoryCollection[T]) Upsert(ctx context.Context, key string, doc T) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, fields, err := encode(doc)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.docs[key] = memEntry{raw: raw, fields: fields}
	c.mu.Unlock()
	return nil
}

func (c *MemoryCollection[T]) Get(ctx context.Context, key string) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	c.mu.RLock()
	entry, ok := c.docs[key]
	c.mu.RUnlock()
	if !ok {
		return zero, ErrNotFound
	}
	return decode[T](entry.raw)
}

func (c *MemoryCollection[T]) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.docs, key)
	c.mu.Unlock()
	return nil
}

func (c *MemoryCollection[T]) UpdateIf(ctx context.Context, key string, cond Filter, doc T) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := validateFilter(cond); err != nil {
		return false, err
	}
	raw, fields, err := encode(doc)
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	current, ok := c.docs[key]
	if !ok || !matches(current.fields, cond) {
		return false, nil
	}
	c.docs[key] = memEntry{raw: raw, fields: fields}
	return true, nil
}

type keyedEntry struct {
	key string
	memEntry
}

func (c *MemoryCollection[T]) selectEntries(f Filter) []keyedEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]keyedEntry, 0, len(c.docs))
	for key, entry := range c.docs {
		if matches(entry.fields, f) {
			out = append(out, keyedEntry{key: key, memEntry: entry})
		}
	}
	return out
}

func (c *MemoryCollection[T]) Find(ctx context.Context, q Query) ([]T, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateFilter(q.Filter); err != nil {
		return nil, err
	}
	for _, s := range q.Sort {
		if err := validateField(s.Field); err != nil {
			return nil, err
		}
	}
	entries := c.selectEntries(q.Filter)
	sort.Slice(entries, func(i, j int) bool {
		for _, s := range q.Sort {
			a, _ := lookup(entries[i].fields, s.Field)
			b, _ := lookup(entries[j].fields, s.Field)
			if c := compareSort(a, b); c != 0 {
				if s.Desc {
					return c > 0
				}
				return c < 0
			}
		}
		return entries[i].key < entries[j].key
	})
	if q.Skip > 0 {
		if q.Skip >= len(entries) {
			return []T{}, nil
		}
		entries = entries[q.Skip:]
	}
	if q.Limit > 0 && len(entries) > q.Limit {
		entries = entries[:q.Limit]
	}
	out := make([]T, 0, len(entries))
	for _, e := range entries {
		doc, err := decode[T](e.raw)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

func (c *MemoryCollection[T]) Count(ctx context.Context, f Filter) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := validateFilter(f); err != nil {
		return 0, err
	}
	return int64(len(c.selectEntries(f))), nil
}

func (c *MemoryCollection[T]) Aggregate(ctx context.Context, p Pipeline) ([]Group[T], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateFilter(p.Match); err != nil {
		return nil, err
	}
	for _, field := range p.GroupBy {
		if err := validateField(field); err != nil {
			return nil, err
		}
	}
	entries := c.selectEntries(p.Match)
	sort.Slice(entries, func(i, j int) bool { return entries[i].key < entries[j].key })

	type bucket struct {
		key     []interface{}
		entries []keyedEntry
	}
	buckets := make(map[string]*bucket)
	var order []string
	for _, e := range entries {
		key := make([]interface{}, len(p.GroupBy))
		for i, field := range p.GroupBy {
			key[i], _ = lookup(e.fields, field)
		}
		raw, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		id := string(raw)
		b, ok := buckets[id]
		if !ok {
			b = &bucket{key: key}
			buckets[id] = b
			order = append(order, id)
		}
		b.entries = append(b.entries, e)
	}
	sort.Slice(order, func(i, j int) bool {
		a, b := buckets[order[i]].key, buckets[order[j]].key
		for k := range a {
			if c := compareSort(a[k], b[k]); c != 0 {
				return c < 0
			}
		}
		return false
	})

	minCount := p.MinCount
	if minCount < 1 {
		minCount = 1
	}
	var out []Group[T]
	for _, id := range order {
		b := buckets[id]
		if len(b.entries) < minCount {
			continue
		}
		g := Group[T]{Key: b.key, Count: len(b.entries)}
		for _, e := range b.entries {
			doc, err := decode[T](e.raw)
			if err != nil {
				return nil, err
			}
			g.Docs = append(g.Docs, doc)
		}
		out = append(out, g)
	}
	return out, nil
}

func matches(fields map[string]interface{}, f Filter) bool {
	for _, cond := range f {
		if !matchCond(fields, cond) {
			return false
		}
	}
	return true
}

func matchCond(fields map[string]interface{}, cond Cond) bool {
	v, ok := lookup(fields, cond.Field)
	present := ok && v != nil
	switch cond.Op {
	case Exists:
		want := true
		if b, isBool := cond.Value.(bool); isBool {
			want = b
		}
		return present == want
	case Eq:
		return present && equalValues(v, normalizeValue(cond.Value))
	case Ne:
		return !present || !equalValues(v, normalizeValue(cond.Value))
	case Gt, Gte, Lt, Lte:
		if !present {
			return false
		}
		c, comparable := compareValues(v, normalizeValue(cond.Value))
		if !comparable {
			return false
		}
		switch cond.Op {
		case Gt:
			return c > 0
		case Gte:
			return c >= 0
		case Lt:
			return c < 0
		default:
			return c <= 0
		}
	case Prefix:
		s, isString := v.(string)
		p, prefixString := cond.Value.(string)
		return present && isString && prefixString && strings.HasPrefix(s, p)
	case In:
		if !present {
			return false
		}
		list, _ := normalizeValue(cond.Value).([]interface{})
		for _, candidate := range list {
			if equalValues(v, candidate) {
				return true
			}
		}
		return false
	}
	return false
}

func equalValues(a, b interface{}) bool {
	c, ok := compareValues(a, b)
	return ok && c == 0
}

func compareValues(a, b interface{}) (int, bool) {
	switch av := a.(type) {
	case float64:
		bv, ok := b.(float64)
		if !ok {
			return 0, false
		}
		return cmp.Compare(av, bv), true
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(av, bv), true
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case av == bv:
			return 0, true
		case !av:
			return -1, true
		default:
			return 1, true
		}
	}
	return 0, false
}

// compareSort orders missing values first, then numbers, strings and bools.
func compareSort(a, b interface{}) int {
	ra, rb := sortRank(a), sortRank(b)
	if ra != rb {
		return cmp.Compare(ra, rb)
	}
	c, _ := compareValues(a, b)
	return c
}

func sortRank(v interface{}) int {
	switch v.(type) {
	case nil:
		return 0
	case float64:
		return 1
	case string:
		return 2
	case bool:
		return 3
	default:
		return 4
	}
}
