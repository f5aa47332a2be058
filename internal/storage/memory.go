package storage

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// maxTxAttempts 是内存事务在放弃前的最大重试次数。
const maxTxAttempts = 8

// MemoryStore is an in-process DocumentStore with optimistic transactions
// and live change streams. It backs the test suite and doubles as a
// dependency-free dev backend.
type MemoryStore struct {
	mu        sync.Mutex
	cols      map[string]*memCollection
	watchers  map[int]*memWatcher
	nextWatch int
	lastStamp time.Time
}

type memCollection struct {
	docs     map[string]map[string]any
	versions map[string]uint64
	version  uint64 // bumps on every write to the collection
}

type memWatcher struct {
	collection string
	notify     chan struct{}
}

// NewMemoryStore creates an empty in-memory DocumentStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cols:     make(map[string]*memCollection),
		watchers: make(map[int]*memWatcher),
	}
}

// WatcherCount 返回当前活跃的变更流监听者数量。
// 视图层的测试用它验证取消订阅后没有监听者泄漏。
func (s *MemoryStore) WatcherCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watchers)
}

func (s *MemoryStore) col(name string) *memCollection {
	c, ok := s.cols[name]
	if !ok {
		c = &memCollection{docs: make(map[string]map[string]any), versions: make(map[string]uint64)}
		s.cols[name] = c
	}
	return c
}

// stamp returns a strictly increasing wall-clock timestamp so that
// updatedAt never regresses even within one tick.
func (s *MemoryStore) stamp() time.Time {
	now := time.Now().UTC()
	if !now.After(s.lastStamp) {
		now = s.lastStamp.Add(time.Nanosecond)
	}
	s.lastStamp = now
	return now
}

func (s *MemoryStore) notifyLocked(collection string) {
	for _, w := range s.watchers {
		if w.collection != collection {
			continue
		}
		select {
		case w.notify <- struct{}{}:
		default: // 已有待处理通知，合并
		}
	}
}

// --- plain (non-transactional) operations ---

func (s *MemoryStore) GetDocument(_ context.Context, collection, id string) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.col(collection).docs[id]
	if !ok {
		return nil, ErrDocumentNotFound
	}
	return &Document{ID: id, Data: cloneData(data)}, nil
}

func (s *MemoryStore) AddDocument(_ context.Context, collection string, data map[string]any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.New().String()
	s.createLocked(collection, id, data)
	s.notifyLocked(collection)
	return id, nil
}

func (s *MemoryStore) SetDocument(_ context.Context, collection, id string, data map[string]any, merge bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.col(collection)
	existing, ok := c.docs[id]
	if !ok {
		s.createLocked(collection, id, data)
	} else if merge {
		s.updateLocked(collection, id, data)
	} else {
		created := existing["createdAt"]
		fresh := cloneData(data)
		fresh["createdAt"] = created
		fresh["updatedAt"] = s.stamp()
		c.docs[id] = fresh
		c.versions[id]++
		c.version++
	}
	s.notifyLocked(collection)
	return nil
}

func (s *MemoryStore) UpdateDocument(_ context.Context, collection, id string, data map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.col(collection).docs[id]; !ok {
		return ErrDocumentNotFound
	}
	s.updateLocked(collection, id, data)
	s.notifyLocked(collection)
	return nil
}

func (s *MemoryStore) DeleteDocument(_ context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.col(collection).docs[id]; !ok {
		return ErrDocumentNotFound
	}
	s.deleteLocked(collection, id)
	s.notifyLocked(collection)
	return nil
}

func (s *MemoryStore) QueryDocuments(_ context.Context, collection string, q Query) ([]Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queryLocked(collection, q), nil
}

func (s *MemoryStore) createLocked(collection, id string, data map[string]any) {
	c := s.col(collection)
	doc := cloneData(data)
	now := s.stamp()
	doc["createdAt"] = now
	doc["updatedAt"] = now
	c.docs[id] = doc
	c.versions[id] = 1
	c.version++
}

func (s *MemoryStore) updateLocked(collection, id string, data map[string]any) {
	c := s.col(collection)
	doc := c.docs[id]
	for k, v := range cloneData(data) {
		if v == nil {
			delete(doc, k) // nil 表示清除字段（acceptedAt 等）
			continue
		}
		doc[k] = v
	}
	doc["updatedAt"] = s.stamp()
	c.versions[id]++
	c.version++
}

func (s *MemoryStore) deleteLocked(collection, id string) {
	c := s.col(collection)
	delete(c.docs, id)
	delete(c.versions, id)
	c.version++
}

func (s *MemoryStore) queryLocked(collection string, q Query) []Document {
	c := s.col(collection)
	out := make([]Document, 0)
	for id, data := range c.docs {
		if matchesFilters(data, q.Filters) {
			out = append(out, Document{ID: id, Data: cloneData(data)})
		}
	}
	sortDocuments(out, q)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func matchesFilters(data map[string]any, filters []Filter) bool {
	for _, f := range filters {
		v := data[f.Field]
		switch f.Op {
		case OpEqual:
			if !valuesEqual(v, f.Value) {
				return false
			}
		case OpArrayContains:
			if !sliceContains(v, f.Value) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func valuesEqual(a, b any) bool {
	if sa, ok := toStringSlice(a); ok {
		if sb, ok := toStringSlice(b); ok {
			return reflect.DeepEqual(sa, sb)
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func sliceContains(field, value any) bool {
	elems, ok := toStringSlice(field)
	if !ok {
		return false
	}
	want := fmt.Sprint(value)
	for _, e := range elems {
		if e == want {
			return true
		}
	}
	return false
}

func toStringSlice(v any) ([]string, bool) {
	switch vv := v.(type) {
	case []string:
		return vv, true
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			s, ok := e.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}

func sortDocuments(docs []Document, q Query) {
	if q.OrderBy == "" {
		// 稳定输出：按 id 排序，便于比较两次发射是否相同
		sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
		return
	}
	sort.Slice(docs, func(i, j int) bool {
		less := compareValues(docs[i].Data[q.OrderBy], docs[j].Data[q.OrderBy])
		if q.Descending {
			return !less && !valuesEqual(docs[i].Data[q.OrderBy], docs[j].Data[q.OrderBy])
		}
		return less
	})
}

func compareValues(a, b any) bool {
	ta, aok := a.(time.Time)
	tb, bok := b.(time.Time)
	if aok && bok {
		return ta.Before(tb)
	}
	if aok != bok {
		return !aok // 缺失的时间值排在最前
	}
	return fmt.Sprint(a) < fmt.Sprint(b)
}

// --- streams ---

func (s *MemoryStore) CollectionStream(ctx context.Context, collection string, q Query) (<-chan []Document, error) {
	s.mu.Lock()
	w := &memWatcher{collection: collection, notify: make(chan struct{}, 1)}
	key := s.nextWatch
	s.nextWatch++
	s.watchers[key] = w
	last := s.queryLocked(collection, q)
	s.mu.Unlock()

	out := make(chan []Document, 1)
	go func() {
		defer close(out)
		defer func() {
			s.mu.Lock()
			delete(s.watchers, key)
			s.mu.Unlock()
		}()
		// 立即发射当前结果（可能为空）
		select {
		case out <- last:
		case <-ctx.Done():
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.notify:
				s.mu.Lock()
				cur := s.queryLocked(collection, q)
				s.mu.Unlock()
				if documentsEqual(last, cur) {
					continue
				}
				last = cur
				select {
				case out <- cur:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *MemoryStore) DocumentStream(ctx context.Context, collection, id string) (<-chan *Document, error) {
	s.mu.Lock()
	w := &memWatcher{collection: collection, notify: make(chan struct{}, 1)}
	key := s.nextWatch
	s.nextWatch++
	s.watchers[key] = w
	last := s.docSnapshotLocked(collection, id)
	s.mu.Unlock()

	out := make(chan *Document, 1)
	go func() {
		defer close(out)
		defer func() {
			s.mu.Lock()
			delete(s.watchers, key)
			s.mu.Unlock()
		}()
		select {
		case out <- last:
		case <-ctx.Done():
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.notify:
				s.mu.Lock()
				cur := s.docSnapshotLocked(collection, id)
				s.mu.Unlock()
				if documentEqual(last, cur) {
					continue
				}
				last = cur
				select {
				case out <- cur:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *MemoryStore) docSnapshotLocked(collection, id string) *Document {
	data, ok := s.col(collection).docs[id]
	if !ok {
		return nil
	}
	return &Document{ID: id, Data: cloneData(data)}
}

func documentsEqual(a, b []Document) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !documentEqual(&a[i], &b[i]) {
			return false
		}
	}
	return true
}

func documentEqual(a, b *Document) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ID == b.ID && reflect.DeepEqual(a.Data, b.Data)
}

// --- transactions ---

type memTxWrite struct {
	op   int // 0 create, 1 update, 2 delete
	col  string
	id   string
	data map[string]any
}

type memTx struct {
	s        *MemoryStore
	docReads map[string]uint64 // "col\x00id" -> version at read time (0 = absent)
	colReads map[string]uint64 // collection -> collection version at query time
	overlay  map[string]*Document
	deleted  map[string]bool
	writes   []memTxWrite
}

func txKey(col, id string) string { return col + "\x00" + id }

func (t *memTx) Get(collection, id string) (*Document, error) {
	key := txKey(collection, id)
	if t.deleted[key] {
		return nil, ErrDocumentNotFound
	}
	if doc, ok := t.overlay[key]; ok {
		return &Document{ID: doc.ID, Data: cloneData(doc.Data)}, nil
	}

	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	c := t.s.col(collection)
	data, ok := c.docs[id]
	if !ok {
		t.docReads[key] = 0
		return nil, ErrDocumentNotFound
	}
	t.docReads[key] = c.versions[id]
	return &Document{ID: id, Data: cloneData(data)}, nil
}

func (t *memTx) Query(collection string, q Query) ([]Document, error) {
	t.s.mu.Lock()
	c := t.s.col(collection)
	t.colReads[collection] = c.version
	docs := t.s.queryLocked(collection, q)
	t.s.mu.Unlock()

	// 叠加事务内未提交的写入
	out := docs[:0]
	for i := range docs {
		key := txKey(collection, docs[i].ID)
		if t.deleted[key] {
			continue
		}
		if doc, ok := t.overlay[key]; ok {
			if !matchesFilters(doc.Data, q.Filters) {
				continue
			}
			docs[i].Data = cloneData(doc.Data)
		}
		out = append(out, docs[i])
	}
	for key, doc := range t.overlay {
		col, _, _ := strings.Cut(key, "\x00")
		if col != collection || t.deleted[key] {
			continue
		}
		if containsDoc(out, doc.ID) || !matchesFilters(doc.Data, q.Filters) {
			continue
		}
		out = append(out, Document{ID: doc.ID, Data: cloneData(doc.Data)})
	}
	sortDocuments(out, q)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func containsDoc(docs []Document, id string) bool {
	for i := range docs {
		if docs[i].ID == id {
			return true
		}
	}
	return false
}

func (t *memTx) Create(collection string, data map[string]any) (string, error) {
	id := uuid.New().String()
	key := txKey(collection, id)
	t.overlay[key] = &Document{ID: id, Data: cloneData(data)}
	t.writes = append(t.writes, memTxWrite{op: 0, col: collection, id: id, data: cloneData(data)})
	return id, nil
}

func (t *memTx) Update(collection, id string, data map[string]any) error {
	cur, err := t.Get(collection, id)
	if err != nil {
		return err
	}
	key := txKey(collection, id)
	doc, ok := t.overlay[key]
	if !ok {
		doc = &Document{ID: id, Data: cloneData(cur.Data)}
		t.overlay[key] = doc
	}
	for k, v := range data {
		if v == nil {
			delete(doc.Data, k)
			continue
		}
		doc.Data[k] = v
	}
	t.writes = append(t.writes, memTxWrite{op: 1, col: collection, id: id, data: cloneData(data)})
	return nil
}

func (t *memTx) Delete(collection, id string) error {
	if _, err := t.Get(collection, id); err != nil {
		return err
	}
	key := txKey(collection, id)
	t.deleted[key] = true
	t.writes = append(t.writes, memTxWrite{op: 2, col: collection, id: id})
	return nil
}

func (s *MemoryStore) RunTransaction(ctx context.Context, fn func(tx Transaction) error) error {
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		tx := &memTx{
			s:        s,
			docReads: make(map[string]uint64),
			colReads: make(map[string]uint64),
			overlay:  make(map[string]*Document),
			deleted:  make(map[string]bool),
		}
		if err := fn(tx); err != nil {
			return err // 业务错误中止事务，原样向上传递
		}
		if s.commit(tx) {
			return nil
		}
		// 提交冲突：整个事务体重新执行
	}
	return ErrTransactionConflict
}

// commit validates everything the transaction read and, when still
// current, applies its buffered writes atomically.
func (s *MemoryStore) commit(tx *memTx) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, version := range tx.docReads {
		col, id, _ := strings.Cut(key, "\x00")
		if s.col(col).versions[id] != version {
			return false
		}
	}
	for col, version := range tx.colReads {
		if s.col(col).version != version {
			return false
		}
	}

	touched := make(map[string]bool)
	for _, w := range tx.writes {
		switch w.op {
		case 0:
			c := s.col(w.col)
			doc := cloneData(w.data)
			now := s.stamp()
			doc["createdAt"] = now
			doc["updatedAt"] = now
			c.docs[w.id] = doc
			c.versions[w.id]++
			c.version++
		case 1:
			s.updateLocked(w.col, w.id, w.data)
		case 2:
			s.deleteLocked(w.col, w.id)
		}
		touched[w.col] = true
	}
	for col := range touched {
		s.notifyLocked(col)
	}
	return true
}
