package store

import (
	"context"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/OP0007/shelf-to-door/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	// EventRetention is how long published outbox events are kept
	EventRetention = 10 * time.Minute

	// CleanupInterval is how often the background cleanup runs
	CleanupInterval = 30 * time.Second
)

type saleKey struct {
	cartID  int64
	session int32
}

// MemoryStore implements Store with in-memory storage
type MemoryStore struct {
	mu           sync.RWMutex
	products     map[int64]*domain.Product
	tags         map[string]int64                     // rfid tag -> productID
	carts        map[int64]*domain.Cart
	lines        map[int64]map[int64]*domain.CartLine // cartID -> lineID -> line
	transactions map[string]*domain.Transaction
	sales        map[saleKey]string // cart session -> transaction ID
	ledger       []string           // transaction IDs in insertion order
	events       []*domain.Event

	productSeq atomic.Int64
	cartSeq    atomic.Int64
	lineSeq    atomic.Int64
	eventSeq   atomic.Int64

	stopCleanup chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
}

// NewMemoryStore creates a new in-memory cart store
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		products:     make(map[int64]*domain.Product),
		tags:         make(map[string]int64),
		carts:        make(map[int64]*domain.Cart),
		lines:        make(map[int64]map[int64]*domain.CartLine),
		transactions: make(map[string]*domain.Transaction),
		sales:        make(map[saleKey]string),
		stopCleanup:  make(chan struct{}),
	}

	s.wg.Add(1)
	go s.cleanupLoop()

	return s
}

// cleanupLoop periodically drops outbox events that were already published
func (s *MemoryStore) cleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.pruneEvents(time.Now().Add(-EventRetention))
		case <-s.stopCleanup:
			return
		}
	}
}

func (s *MemoryStore) pruneEvents(before time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.events[:0]
	for _, e := range s.events {
		if e.PublishedAt != nil && e.PublishedAt.Before(before) {
			continue
		}
		kept = append(kept, e)
	}
	s.events = kept
}

// Atomically runs fn against a staging transaction and applies its writes
// under the store lock once they pass validation.
func (s *MemoryStore) Atomically(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memoryTx{
		s:        s,
		carts:    make(map[int64]*domain.Cart),
		products: make(map[int64]*domain.Product),
		stock:    make(map[int64]int32),
		lines:    make(map[int64]*domain.CartLine),
		deleted:  make(map[int64]int64),
		cleared:  make(map[int64]bool),
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

// CreateCart registers a new active cart with zero weight
func (s *MemoryStore) CreateCart(_ context.Context) (*domain.Cart, error) {
	now := time.Now()
	cart := &domain.Cart{
		ID:              s.cartSeq.Add(1),
		Status:          domain.CartStatusActive,
		AggregateWeight: decimal.Zero,
		Session:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	s.mu.Lock()
	s.carts[cart.ID] = cart
	s.mu.Unlock()

	c := *cart
	return &c, nil
}

func (s *MemoryStore) GetCart(_ context.Context, cartID int64) (*domain.Cart, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cart, exists := s.carts[cartID]
	if !exists {
		return nil, ErrCartNotFound
	}
	c := *cart
	return &c, nil
}

func (s *MemoryStore) ListCartLines(_ context.Context, cartID int64) ([]domain.CartLineView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.carts[cartID]; !exists {
		return nil, ErrCartNotFound
	}

	views := make([]domain.CartLineView, 0, len(s.lines[cartID]))
	for _, line := range sortedLines(s.lines[cartID]) {
		p := s.products[line.ProductID]
		views = append(views, domain.CartLineView{
			CartLine:    line,
			ProductName: p.Name,
			UnitPrice:   p.UnitPrice,
			UnitWeight:  p.UnitWeight,
			PhotoURL:    p.PhotoURL,
		})
	}
	return views, nil
}

func (s *MemoryStore) CreateProduct(_ context.Context, product *domain.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.tags[product.RFIDTag]; taken {
		return ErrDuplicateTag
	}

	now := time.Now()
	product.ID = s.productSeq.Add(1)
	product.CreatedAt = now
	product.UpdatedAt = now

	p := *product
	s.products[p.ID] = &p
	s.tags[p.RFIDTag] = p.ID
	return nil
}

func (s *MemoryStore) GetProduct(_ context.Context, productID int64) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, exists := s.products[productID]
	if !exists {
		return nil, ErrProductNotFound
	}
	p := *product
	return &p, nil
}

func (s *MemoryStore) GetProductByTag(_ context.Context, tag string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.tags[tag]
	if !exists {
		return nil, ErrProductNotFound
	}
	p := *s.products[id]
	return &p, nil
}

func (s *MemoryStore) ListProducts(_ context.Context) ([]*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.Product, 0, len(s.products))
	for _, product := range s.products {
		p := *product
		result = append(result, &p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *MemoryStore) GetTransaction(_ context.Context, id string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	txn, exists := s.transactions[id]
	if !exists {
		return nil, ErrTransactionNotFound
	}
	t := *txn
	return &t, nil
}

func (s *MemoryStore) ListTransactions(_ context.Context, limit int) ([]*domain.Transaction, error) {
	if limit <= 0 {
		return []*domain.Transaction{}, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.Transaction, 0, min(limit, len(s.ledger)))
	for i := len(s.ledger) - 1; i >= 0 && len(result) < limit; i-- {
		t := *s.transactions[s.ledger[i]]
		result = append(result, &t)
	}
	return result, nil
}

func (s *MemoryStore) ListDegradedCarts(_ context.Context) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []int64
	for id, cart := range s.carts {
		if !cart.IsActive() {
			continue
		}
		if _, sold := s.sales[saleKey{id, cart.Session}]; sold {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *MemoryStore) GetUnpublishedEvents(_ context.Context, limit int) ([]*domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Event
	for _, e := range s.events {
		if len(result) == limit {
			break
		}
		if e.PublishedAt == nil {
			ev := *e
			result = append(result, &ev)
		}
	}
	return result, nil
}

func (s *MemoryStore) MarkEventPublished(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.events {
		if e.ID == id {
			now := time.Now()
			e.PublishedAt = &now
			return nil
		}
	}
	return ErrEventNotFound
}

// Close stops the cleanup goroutine
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() { close(s.stopCleanup) })
	s.wg.Wait()
	return nil
}

func sortedLines(byID map[int64]*domain.CartLine) []domain.CartLine {
	lines := make([]domain.CartLine, 0, len(byID))
	for _, l := range byID {
		lines = append(lines, *l)
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].ID < lines[j].ID })
	return lines
}

// memoryTx stages writes; the committed maps are only read under RLock until commit.
type memoryTx struct {
	s            *MemoryStore
	carts        map[int64]*domain.Cart
	products     map[int64]*domain.Product // staged catalog edits
	stock        map[int64]int32           // productID -> staged delta
	lines        map[int64]*domain.CartLine
	deleted      map[int64]int64 // lineID -> cartID
	cleared      map[int64]bool  // carts whose committed lines are all dropped
	transactions []*domain.Transaction
	events       []*domain.Event
}

func (tx *memoryTx) GetCart(_ context.Context, cartID int64) (*domain.Cart, error) {
	if staged, ok := tx.carts[cartID]; ok {
		c := *staged
		return &c, nil
	}

	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	cart, exists := tx.s.carts[cartID]
	if !exists {
		return nil, ErrCartNotFound
	}
	c := *cart
	return &c, nil
}

func (tx *memoryTx) GetProduct(_ context.Context, productID int64) (*domain.Product, error) {
	var p domain.Product
	if staged, ok := tx.products[productID]; ok {
		p = *staged
	} else {
		tx.s.mu.RLock()
		product, exists := tx.s.products[productID]
		if exists {
			p = *product
		}
		tx.s.mu.RUnlock()
		if !exists {
			return nil, ErrProductNotFound
		}
	}

	tx.s.mu.RLock()
	p.StockCount = tx.s.products[productID].StockCount + tx.stock[productID]
	tx.s.mu.RUnlock()
	return &p, nil
}

func (tx *memoryTx) ListLines(_ context.Context, cartID int64) ([]domain.CartLine, error) {
	merged := make(map[int64]*domain.CartLine)

	if !tx.cleared[cartID] {
		tx.s.mu.RLock()
		for id, l := range tx.s.lines[cartID] {
			line := *l
			merged[id] = &line
		}
		tx.s.mu.RUnlock()
	}
	for id := range tx.deleted {
		delete(merged, id)
	}
	for id, l := range tx.lines {
		if l.CartID == cartID {
			line := *l
			merged[id] = &line
		}
	}
	return sortedLines(merged), nil
}

func (tx *memoryTx) SaveLine(_ context.Context, line *domain.CartLine) error {
	now := time.Now()
	if line.ID == 0 {
		line.ID = tx.s.lineSeq.Add(1)
		line.CreatedAt = now
	}
	line.UpdatedAt = now

	l := *line
	tx.lines[l.ID] = &l
	return nil
}

func (tx *memoryTx) DeleteLine(ctx context.Context, cartID, lineID int64) error {
	lines, err := tx.ListLines(ctx, cartID)
	if err != nil {
		return err
	}
	for _, l := range lines {
		if l.ID == lineID {
			delete(tx.lines, lineID)
			tx.deleted[lineID] = cartID
			return nil
		}
	}
	return ErrLineNotFound
}

func (tx *memoryTx) DeleteLines(_ context.Context, cartID int64) error {
	for id, l := range tx.lines {
		if l.CartID == cartID {
			delete(tx.lines, id)
		}
	}
	tx.cleared[cartID] = true
	return nil
}

func (tx *memoryTx) AdjustStock(ctx context.Context, productID int64, delta int32) error {
	product, err := tx.GetProduct(ctx, productID)
	if err != nil {
		return err
	}
	next := int64(product.StockCount) + int64(delta)
	if next < 0 {
		return ErrInsufficientStock
	}
	if next > math.MaxInt32 {
		return ErrStockOverflow
	}
	tx.stock[productID] += delta
	return nil
}

func (tx *memoryTx) UpdateCart(ctx context.Context, cart *domain.Cart) error {
	if _, err := tx.GetCart(ctx, cart.ID); err != nil {
		return err
	}
	cart.UpdatedAt = time.Now()
	c := *cart
	tx.carts[c.ID] = &c
	return nil
}

func (tx *memoryTx) UpdateProduct(ctx context.Context, product *domain.Product) error {
	if _, err := tx.GetProduct(ctx, product.ID); err != nil {
		return err
	}
	product.UpdatedAt = time.Now()
	p := *product
	tx.products[p.ID] = &p
	return nil
}

func (tx *memoryTx) HasSale(_ context.Context, cartID int64, session int32) (bool, error) {
	for _, t := range tx.transactions {
		if t.CartID == cartID && t.CartSession == session {
			return true, nil
		}
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	_, sold := tx.s.sales[saleKey{cartID, session}]
	return sold, nil
}

func (tx *memoryTx) InsertTransaction(ctx context.Context, txn *domain.Transaction) error {
	sold, err := tx.HasSale(ctx, txn.CartID, txn.CartSession)
	if err != nil {
		return err
	}
	if sold {
		return ErrDuplicateSale
	}
	if txn.ID == "" {
		txn.ID = uuid.New().String()
	}
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now()
	}
	t := *txn
	tx.transactions = append(tx.transactions, &t)
	return nil
}

func (tx *memoryTx) AppendEvent(_ context.Context, event *domain.Event) error {
	if event.EventID == "" {
		event.EventID = uuid.New().String()
	}
	event.CreatedAt = time.Now()
	e := *event
	tx.events = append(tx.events, &e)
	return nil
}

// commit validates staged writes against the committed state and applies them.
func (tx *memoryTx) commit() error {
	s := tx.s
	s.mu.Lock()
	defer s.mu.Unlock()

	// First pass: validate everything the unit staged
	for id := range tx.carts {
		if _, exists := s.carts[id]; !exists {
			return ErrCartNotFound
		}
	}
	for id, delta := range tx.stock {
		product, exists := s.products[id]
		if !exists {
			return ErrProductNotFound
		}
		next := int64(product.StockCount) + int64(delta)
		if next < 0 {
			return ErrInsufficientStock
		}
		if next > math.MaxInt32 {
			return ErrStockOverflow
		}
	}
	for id, p := range tx.products {
		if owner, taken := s.tags[p.RFIDTag]; taken && owner != id {
			return ErrDuplicateTag
		}
	}
	for _, t := range tx.transactions {
		if _, sold := s.sales[saleKey{t.CartID, t.CartSession}]; sold {
			return ErrDuplicateSale
		}
	}
	for _, l := range tx.lines {
		if tx.cleared[l.CartID] {
			continue
		}
		for id, existing := range s.lines[l.CartID] {
			if id != l.ID && existing.ProductID == l.ProductID {
				if _, gone := tx.deleted[id]; !gone {
					return ErrDuplicateLine
				}
			}
		}
	}

	// Second pass: apply
	for id, cart := range tx.carts {
		s.carts[id] = cart
	}
	for id, p := range tx.products {
		committed := s.products[id]
		if committed.RFIDTag != p.RFIDTag {
			delete(s.tags, committed.RFIDTag)
			s.tags[p.RFIDTag] = id
		}
		p.StockCount = committed.StockCount
		s.products[id] = p
	}
	for id, delta := range tx.stock {
		s.products[id].StockCount += delta
	}
	for cartID := range tx.cleared {
		delete(s.lines, cartID)
	}
	for lineID, cartID := range tx.deleted {
		delete(s.lines[cartID], lineID)
	}
	for id, l := range tx.lines {
		if s.lines[l.CartID] == nil {
			s.lines[l.CartID] = make(map[int64]*domain.CartLine)
		}
		s.lines[l.CartID][id] = l
	}
	for _, t := range tx.transactions {
		s.transactions[t.ID] = t
		s.sales[saleKey{t.CartID, t.CartSession}] = t.ID
		s.ledger = append(s.ledger, t.ID)
	}
	for _, e := range tx.events {
		e.ID = s.eventSeq.Add(1)
		s.events = append(s.events, e)
	}
	return nil
}
