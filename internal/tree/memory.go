package tree

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/goccy/go-json"
)

// Memory is an in-process Store. Every subscription owns a delivery
// goroutine that coalesces change signals, so a listener always sees the
// latest children and may write back to the store from inside its callback.
type Memory struct {
	mu      sync.Mutex
	nodes   map[string]map[string][]byte
	subs    map[string]map[*subscription]struct{}
	journal Journal
	closed  bool
}

// Journal persists node writes so a Memory store survives a restart. Calls
// are made with the store lock held, in write order.
type Journal interface {
	Put(path string, value []byte) error
	Delete(path string) error
	Replay(fn func(path string, value []byte)) error
}

type subscription struct {
	store  *Memory
	path   string
	query  Query
	fn     Listener
	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

func NewMemory() *Memory {
	return &Memory{
		nodes: make(map[string]map[string][]byte),
		subs:  make(map[string]map[*subscription]struct{}),
	}
}

// NewJournaled rebuilds a store from j and writes every later change
// through to it. A failed journal write fails the store call and leaves the
// node unchanged.
func NewJournaled(j Journal) (*Memory, error) {
	m := NewMemory()
	err := j.Replay(func(path string, value []byte) {
		parent, key := Split(path)
		if m.nodes[parent] == nil {
			m.nodes[parent] = make(map[string][]byte)
		}
		m.nodes[parent][key] = append([]byte(nil), value...)
	})
	if err != nil {
		return nil, fmt.Errorf("tree: replay journal: %w", err)
	}
	m.journal = j
	return m, nil
}

func (m *Memory) Subscribe(ctx context.Context, path string, q Query, fn Listener) (func(), error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	s := &subscription{
		store:  m,
		path:   path,
		query:  q,
		fn:     fn,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	if m.subs[path] == nil {
		m.subs[path] = make(map[*subscription]struct{})
	}
	m.subs[path][s] = struct{}{}
	m.mu.Unlock()

	s.signal <- struct{}{}
	go s.deliver(ctx)
	return s.cancel, nil
}

func (s *subscription) deliver(ctx context.Context) {
	defer s.cancel()
	for {
		select {
		case <-s.signal:
			children, err := s.store.QueryRange(ctx, s.path, s.query)
			if err != nil {
				return
			}
			select {
			case <-s.done:
				return
			default:
			}
			s.fn(children)
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *subscription) cancel() {
	s.once.Do(func() {
		close(s.done)
		s.store.mu.Lock()
		delete(s.store.subs[s.path], s)
		if len(s.store.subs[s.path]) == 0 {
			delete(s.store.subs, s.path)
		}
		s.store.mu.Unlock()
	})
}

// notify must be called with m.mu held.
func (m *Memory) notify(parent string) {
	for s := range m.subs[parent] {
		select {
		case s.signal <- struct{}{}:
		default:
		}
	}
}

func (m *Memory) QueryRange(ctx context.Context, path string, q Query) ([]Child, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	children := make([]Child, 0, len(m.nodes[path]))
	for k, v := range m.nodes[path] {
		children = append(children, Child{Key: k, Value: v})
	}
	m.mu.Unlock()
	return applyQuery(children, q), nil
}

type ranked struct {
	child Child
	value float64
	ok    bool
}

func applyQuery(children []Child, q Query) []Child {
	items := make([]ranked, 0, len(children))
	for _, c := range children {
		r := ranked{child: c}
		if q.OrderBy != "" {
			r.value, r.ok = numericField(c.Value, q.OrderBy)
		}
		items = append(items, r)
	}
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if q.OrderBy != "" {
			if a.ok != b.ok {
				return !a.ok
			}
			if a.value != b.value {
				return a.value < b.value
			}
		}
		return a.child.Key < b.child.Key
	})

	out := make([]Child, 0, len(items))
	for _, r := range items {
		if q.OrderBy != "" && (q.Start != nil || q.End != nil) {
			if !r.ok {
				continue
			}
			if q.Start != nil && r.value < *q.Start {
				continue
			}
			if q.End != nil && r.value > *q.End {
				continue
			}
		}
		out = append(out, r.child)
	}
	if q.Limit > 0 && len(out) > q.Limit {
		if q.LimitToLast {
			out = out[len(out)-q.Limit:]
		} else {
			out = out[:q.Limit]
		}
	}
	return out
}

func numericField(raw []byte, field string) (float64, bool) {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return 0, false
	}
	switch v := obj[field].(type) {
	case float64:
		return v, true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

func (m *Memory) Get(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	parent, key := Split(path)
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.nodes[parent][key]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

func (m *Memory) Set(ctx context.Context, path string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !json.Valid(value) {
		return fmt.Errorf("tree: value at %s is not valid JSON", path)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.put(path, value)
}

func (m *Memory) put(path string, value []byte) error {
	if m.journal != nil {
		if err := m.journal.Put(path, value); err != nil {
			return fmt.Errorf("tree: persist %s: %w", path, err)
		}
	}
	parent, key := Split(path)
	if m.nodes[parent] == nil {
		m.nodes[parent] = make(map[string][]byte)
	}
	m.nodes[parent][key] = append([]byte(nil), value...)
	m.notify(parent)
	return nil
}

func (m *Memory) drop(parent, key string) error {
	if m.journal != nil {
		if err := m.journal.Delete(Join(parent, key)); err != nil {
			return fmt.Errorf("tree: persist removal of %s: %w", Join(parent, key), err)
		}
	}
	delete(m.nodes[parent], key)
	m.notify(parent)
	return nil
}

func (m *Memory) Update(ctx context.Context, path string, fields map[string]any) error {
	return m.Transact(ctx, path, func(current []byte) ([]byte, error) {
		obj := map[string]any{}
		if current != nil {
			if err := json.Unmarshal(current, &obj); err != nil {
				return nil, fmt.Errorf("tree: value at %s is not an object: %w", path, err)
			}
		}
		for k, v := range fields {
			setNested(obj, strings.Split(k, "/"), v)
		}
		return json.Marshal(obj)
	})
}

func setNested(obj map[string]any, keys []string, v any) {
	if len(keys) == 1 {
		if v == nil {
			delete(obj, keys[0])
		} else {
			obj[keys[0]] = v
		}
		return
	}
	child, ok := obj[keys[0]].(map[string]any)
	if !ok {
		if v == nil {
			return
		}
		child = map[string]any{}
		obj[keys[0]] = child
	}
	setNested(child, keys[1:], v)
}

// Remove deletes the node at path together with any collection rooted there.
func (m *Memory) Remove(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	parent, key := Split(path)
	if _, ok := m.nodes[parent][key]; ok {
		if err := m.drop(parent, key); err != nil {
			return err
		}
	}
	for p := range m.nodes {
		if p == path || strings.HasPrefix(p, path+"/") {
			for k := range m.nodes[p] {
				if err := m.drop(p, k); err != nil {
					return err
				}
			}
			delete(m.nodes, p)
		}
	}
	return nil
}

func (m *Memory) Transact(ctx context.Context, path string, fn TxFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	parent, key := Split(path)
	m.mu.Lock()
	defer m.mu.Unlock()
	var current []byte
	if v, ok := m.nodes[parent][key]; ok {
		current = append([]byte(nil), v...)
	}
	next, err := fn(current)
	if err != nil {
		return err
	}
	if next == nil {
		if current != nil {
			return m.drop(parent, key)
		}
		return nil
	}
	if !json.Valid(next) {
		return fmt.Errorf("tree: transaction on %s produced invalid JSON", path)
	}
	return m.put(path, next)
}

// Close cancels every subscription.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	var all []*subscription
	for _, subs := range m.subs {
		for s := range subs {
			all = append(all, s)
		}
	}
	m.mu.Unlock()
	for _, s := range all {
		s.cancel()
	}
	return nil
}

// Subscribers returns the number of live subscriptions on path.
func (m *Memory) Subscribers(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs[path])
}
