package orders

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	kafkago "github.com/segmentio/kafka-go"
)

// memStore implements every store interface in memory. Transactions are fully
// serialized and a rollback restores the snapshot taken at Begin.
type memStore struct {
	txLock sync.Mutex
	mu     sync.Mutex

	users    map[string]bool
	products map[string]Product
	orders   map[string]Order

	faults    map[string][]error // op -> errors returned by successive calls
	retryable error
	begins    int
	commits   int
	rollbacks int
}

type memState struct {
	products map[string]Product
	orders   map[string]Order
}

type memTx struct {
	s    *memStore
	snap memState
	done bool
}

func newMemStore() *memStore {
	return &memStore{
		users:    map[string]bool{},
		products: map[string]Product{},
		orders:   map[string]Order{},
		faults:   map[string][]error{},
	}
}

func (s *memStore) addUser(id string) { s.users[id] = true }

func (s *memStore) addProduct(id string, stock int, price int64) {
	s.products[id] = Product{ID: id, SKU: "SKU-" + id, Name: "product " + id, Stock: stock, PriceCents: price}
}

// failOn queues errors for the next calls of op; a nil entry lets that call through.
func (s *memStore) failOn(op string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = append(s.faults[op], errs...)
}

func (s *memStore) fault(op string) error {
	q := s.faults[op]
	if len(q) == 0 {
		return nil
	}
	s.faults[op] = q[1:]
	return q[0]
}

func (s *memStore) stock(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.products[id].Stock
}

func (s *memStore) orderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

func (s *memStore) snapshot() memState {
	st := memState{products: make(map[string]Product, len(s.products)), orders: make(map[string]Order, len(s.orders))}
	for k, v := range s.products {
		st.products[k] = v
	}
	for k, v := range s.orders {
		v.Lines = append([]OrderLine(nil), v.Lines...)
		st.orders[k] = v
	}
	return st
}

func (s *memStore) Begin(ctx context.Context) (Tx, error) {
	s.txLock.Lock()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.begins++
	if err := s.fault("Begin"); err != nil {
		s.txLock.Unlock()
		return nil, err
	}
	return &memTx{s: s, snap: s.snapshot()}, nil
}

func (s *memStore) Retryable(err error) bool {
	return s.retryable != nil && errors.Is(err, s.retryable)
}

func (t *memTx) Commit(ctx context.Context) error {
	if t.done {
		return errors.New("tx closed")
	}
	t.s.mu.Lock()
	err := t.s.fault("Commit")
	if err == nil {
		t.s.commits++
	}
	t.s.mu.Unlock()
	if err != nil {
		return err
	}
	t.done = true
	t.s.txLock.Unlock()
	return nil
}

func (t *memTx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.s.mu.Lock()
	t.s.products = t.snap.products
	t.s.orders = t.snap.orders
	t.s.rollbacks++
	t.s.mu.Unlock()
	t.done = true
	t.s.txLock.Unlock()
	return nil
}

func (s *memStore) enter(tx Tx, op string) error {
	s.mu.Lock()
	t, ok := tx.(*memTx)
	if !ok || t.done || t.s != s {
		return fmt.Errorf("%s: invalid tx", op)
	}
	return s.fault(op)
}

func (s *memStore) UserExists(ctx context.Context, tx Tx, id string) (bool, error) {
	if err := s.enter(tx, "UserExists"); err != nil {
		s.mu.Unlock()
		return false, err
	}
	defer s.mu.Unlock()
	return s.users[id], nil
}

func (s *memStore) LockProduct(ctx context.Context, tx Tx, id string) (Product, error) {
	if err := s.enter(tx, "LockProduct"); err != nil {
		s.mu.Unlock()
		return Product{}, err
	}
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok {
		return Product{}, fmt.Errorf("%w: %s", ErrProductNotFound, id)
	}
	return p, nil
}

func (s *memStore) AdjustStock(ctx context.Context, tx Tx, id string, delta int) (int, error) {
	if err := s.enter(tx, "AdjustStock"); err != nil {
		s.mu.Unlock()
		return 0, err
	}
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok || p.Stock+delta < 0 {
		return 0, fmt.Errorf("%w: product %s", ErrInsufficientStock, id)
	}
	p.Stock += delta
	s.products[id] = p
	return p.Stock, nil
}

func (s *memStore) ListProducts(ctx context.Context) ([]Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Product, 0, len(s.products))
	for _, p := range s.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SKU < out[j].SKU })
	return out, nil
}

func (s *memStore) CreateOrder(ctx context.Context, tx Tx, o *Order) error {
	if err := s.enter(tx, "CreateOrder"); err != nil {
		s.mu.Unlock()
		return err
	}
	defer s.mu.Unlock()
	cp := *o
	cp.Lines = nil
	s.orders[o.ID] = cp
	return nil
}

func (s *memStore) BulkCreateLines(ctx context.Context, tx Tx, lines []OrderLine) error {
	if err := s.enter(tx, "BulkCreateLines"); err != nil {
		s.mu.Unlock()
		return err
	}
	defer s.mu.Unlock()
	for _, l := range lines {
		o, ok := s.orders[l.OrderID]
		if !ok {
			return fmt.Errorf("line %s references missing order %s", l.ID, l.OrderID)
		}
		o.Lines = append(o.Lines, l)
		s.orders[l.OrderID] = o
	}
	return nil
}

func (s *memStore) GetOrderWithLines(ctx context.Context, id string) (Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	o.Lines = append([]OrderLine(nil), o.Lines...)
	return o, nil
}

func (s *memStore) LockOrder(ctx context.Context, tx Tx, id string) (Order, error) {
	if err := s.enter(tx, "LockOrder"); err != nil {
		s.mu.Unlock()
		return Order{}, err
	}
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	o.Lines = append([]OrderLine(nil), o.Lines...)
	return o, nil
}

func (s *memStore) UpdateOrderStatus(ctx context.Context, tx Tx, id string, st Status) error {
	if err := s.enter(tx, "UpdateOrderStatus"); err != nil {
		s.mu.Unlock()
		return err
	}
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	o.Status = st
	s.orders[id] = o
	return nil
}

func (s *memStore) DeleteOrderCascade(ctx context.Context, tx Tx, id string) error {
	if err := s.enter(tx, "DeleteOrderCascade"); err != nil {
		s.mu.Unlock()
		return err
	}
	defer s.mu.Unlock()
	if _, ok := s.orders[id]; !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	delete(s.orders, id)
	return nil
}

func (s *memStore) ListOrders(ctx context.Context, q ListQuery) ([]Order, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("ListOrders"); err != nil {
		return nil, 0, err
	}
	var all []Order
	for _, o := range s.orders {
		if o.UserID != q.UserID {
			continue
		}
		if q.From != nil && o.CreatedAt.Before(*q.From) {
			continue
		}
		if q.To != nil && !o.CreatedAt.Before(*q.To) {
			continue
		}
		all = append(all, o)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := int64(len(all))
	start := q.Offset()
	if start >= len(all) {
		return nil, total, nil
	}
	end := start + q.Limit
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], total, nil
}

type published struct {
	key     string
	value   []byte
	headers []kafkago.Header
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
}

func (p *fakePublisher) Publish(key, value []byte, headers ...kafkago.Header) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, published{key: string(key), value: value, headers: headers})
	return true
}

func (p *fakePublisher) events() []Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Envelope, 0, len(p.msgs))
	for _, m := range p.msgs {
		env, err := DecodeEnvelope(m.value)
		if err != nil {
			panic(err)
		}
		out = append(out, env)
	}
	return out
}
