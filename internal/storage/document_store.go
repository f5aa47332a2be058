package storage

import (
	"context"
	"errors"
)

// ErrDocumentNotFound is returned when a document id does not exist.
var ErrDocumentNotFound = errors.New("文档不存在")

// ErrTransactionConflict is returned by a transactional store when a
// transaction could not be committed after the implementation's retry
// budget was exhausted.
var ErrTransactionConflict = errors.New("事务冲突，重试次数已用尽")

// Document is the raw unit of storage: an id plus an untyped field map.
type Document struct {
	ID   string
	Data map[string]any
}

// Filter operators supported by Query.
const (
	OpEqual         = "=="
	OpArrayContains = "array-contains"
)

// Filter is a single field predicate.
type Filter struct {
	Field string
	Op    string
	Value any
}

// Query describes a filtered, ordered, limited collection read.
// OrderBy 为空表示不排序；Limit <= 0 表示不限制。
type Query struct {
	Filters    []Filter
	OrderBy    string
	Descending bool
	Limit      int
}

// Where appends an equality/containment filter and returns the query for chaining.
func (q Query) Where(field, op string, value any) Query {
	q.Filters = append(q.Filters, Filter{Field: field, Op: op, Value: value})
	return q
}

// Transaction exposes read/write primitives scoped to one transaction
// handle. Bodies passed to RunTransaction may be re-executed on conflict,
// so they must be free of side effects other than reads/writes through tx.
type Transaction interface {
	Get(collection, id string) (*Document, error)
	Query(collection string, q Query) ([]Document, error)
	Create(collection string, data map[string]any) (string, error)
	Update(collection, id string, data map[string]any) error
	Delete(collection, id string) error
}

// DocumentStore is the narrow contract this service needs from its backing
// document database: document CRUD, filtered queries, live change streams
// and serializable document-level transactions.
//
// createdAt/updatedAt 时间戳由实现负责在写入时填写，保证单调不减。
type DocumentStore interface {
	GetDocument(ctx context.Context, collection, id string) (*Document, error)
	AddDocument(ctx context.Context, collection string, data map[string]any) (string, error)
	SetDocument(ctx context.Context, collection, id string, data map[string]any, merge bool) error
	UpdateDocument(ctx context.Context, collection, id string, data map[string]any) error
	DeleteDocument(ctx context.Context, collection, id string) error
	QueryDocuments(ctx context.Context, collection string, q Query) ([]Document, error)

	// DocumentStream emits the current document (nil when absent) followed
	// by every subsequent version until ctx is cancelled.
	DocumentStream(ctx context.Context, collection, id string) (<-chan *Document, error)

	// CollectionStream emits the current query result immediately (an
	// empty slice when nothing matches), followed by a new result set
	// whenever the underlying data changes the outcome of the query.
	CollectionStream(ctx context.Context, collection string, q Query) (<-chan []Document, error)

	// RunTransaction runs fn inside a serializable transaction. The store
	// decides the retry policy on write conflicts; any non-conflict error
	// returned by fn aborts the transaction and is propagated unchanged.
	RunTransaction(ctx context.Context, fn func(tx Transaction) error) error
}

// cloneData makes a shallow-per-field copy so callers can't mutate stored state.
func cloneData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		switch vv := v.(type) {
		case []string:
			out[k] = append([]string(nil), vv...)
		case []any:
			out[k] = append([]any(nil), vv...)
		default:
			out[k] = v
		}
	}
	return out
}
