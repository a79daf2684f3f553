// Package store provides the document store the rest of the server is
// built on: collection queries, live watches that re-deliver the full
// result set on every relevant change, and atomic batched writes.
// Per-document writes are last-write-wins; atomicity exists only within
// a single Batch call.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrNotFound is returned when a referenced document does not exist.
var ErrNotFound = errors.New("document not found")

// Document is one stored document.
type Document struct {
	Collection string
	ID         string
	Data       map[string]any
}

// FilterOp enumerates the supported query operators.
type FilterOp int

const (
	OpEqual FilterOp = iota
	// OpArrayContains matches documents whose array field contains the
	// filter value.
	OpArrayContains
	// OpArrayContainsAny matches documents whose array field intersects
	// the filter values ([]string).
	OpArrayContainsAny
)

// Filter is a single query condition. Field may be a dotted path
// ("lastMessage.timestamp").
type Filter struct {
	Field string
	Op    FilterOp
	Value any
}

// Query selects documents within one collection.
type Query struct {
	Collection string
	// DocID restricts the query to a single document.
	DocID   string
	Filters []Filter
	OrderBy string
	Desc    bool
	Limit   int
}

// Event is one live-watch delivery: the full query result set, or a
// non-fatal subscription error. An Err event does not terminate the
// watch; the previous result set stays valid.
type Event struct {
	Docs []Document
	Err  error
}

// UnsubscribeFunc tears down a watch. Safe to call more than once.
type UnsubscribeFunc func()

// Op is one operation inside an atomic batch.
type Op struct {
	Collection string
	ID         string
	Data       map[string]any
	Merge      bool
	Delete     bool
}

// SetOp replaces a document.
func SetOp(collection, id string, data map[string]any) Op {
	return Op{Collection: collection, ID: id, Data: data}
}

// MergeOp shallow-merges fields into a document, creating it if absent.
func MergeOp(collection, id string, data map[string]any) Op {
	return Op{Collection: collection, ID: id, Data: data, Merge: true}
}

// DeleteOp removes a document.
func DeleteOp(collection, id string) Op {
	return Op{Collection: collection, ID: id, Delete: true}
}

// Store is the document store interface the core components consume.
type Store interface {
	Get(ctx context.Context, collection, id string) (Document, error)
	// Set writes a document. With merge, fields are shallow-merged into
	// the existing document instead of replacing it.
	Set(ctx context.Context, collection, id string, data map[string]any, merge bool) error
	Delete(ctx context.Context, collection, id string) error
	Find(ctx context.Context, q Query) ([]Document, error)
	// Watch delivers the query result set once immediately and again
	// after every committed write to the queried collection. A write's
	// effect is guaranteed visible only once the watcher's own event
	// fires, not upon the write call returning.
	Watch(ctx context.Context, q Query) (<-chan Event, UnsubscribeFunc, error)
	// Batch commits all operations atomically: all succeed or none do.
	Batch(ctx context.Context, ops []Op) error
}

// fieldValue walks a dotted path through nested document maps.
func fieldValue(data map[string]any, field string) (any, bool) {
	parts := strings.Split(field, ".")
	var current any = data
	for _, part := range parts {
		m, ok := current.(map[string]any)
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

func matchesFilter(data map[string]any, f Filter) bool {
	value, ok := fieldValue(data, f.Field)
	switch f.Op {
	case OpEqual:
		return ok && fmt.Sprint(value) == fmt.Sprint(f.Value)
	case OpArrayContains:
		if !ok {
			return false
		}
		return arrayContains(value, fmt.Sprint(f.Value))
	case OpArrayContainsAny:
		if !ok {
			return false
		}
		targets, _ := f.Value.([]string)
		for _, target := range targets {
			if arrayContains(value, target) {
				return true
			}
		}
		return false
	}
	return false
}

func arrayContains(value any, target string) bool {
	items, ok := value.([]any)
	if !ok {
		// Documents decoded from typed models may carry []string.
		strs, ok := value.([]string)
		if !ok {
			return false
		}
		for _, s := range strs {
			if s == target {
				return true
			}
		}
		return false
	}
	for _, item := range items {
		if fmt.Sprint(item) == target {
			return true
		}
	}
	return false
}

func matchesQuery(doc Document, q Query) bool {
	if q.DocID != "" && doc.ID != q.DocID {
		return false
	}
	for _, f := range q.Filters {
		if !matchesFilter(doc.Data, f) {
			return false
		}
	}
	return true
}

// sortAndLimit orders documents by the query's OrderBy field and
// applies the result limit. Timestamps encode fixed-width, so string
// comparison matches chronological order.
func sortAndLimit(docs []Document, q Query) []Document {
	if q.OrderBy != "" {
		sort.SliceStable(docs, func(i, j int) bool {
			a, _ := fieldValue(docs[i].Data, q.OrderBy)
			b, _ := fieldValue(docs[j].Data, q.OrderBy)
			if q.Desc {
				return lessValue(b, a)
			}
			return lessValue(a, b)
		})
	}
	if q.Limit > 0 && len(docs) > q.Limit {
		docs = docs[:q.Limit]
	}
	return docs
}

func lessValue(a, b any) bool {
	af, aok := a.(float64)
	bf, bok := b.(float64)
	if aok && bok {
		return af < bf
	}
	return fmt.Sprint(a) < fmt.Sprint(b)
}
