package repository

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/OP0007/shelf-to-door/internal/domain"
	"github.com/OP0007/shelf-to-door/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupTestDB(t *testing.T) (*Repository, func()) {
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)

	port, err := pgContainer.MappedPort(ctx, "5432")
	require.NoError(t, err)

	creds := &Credentials{
		Host:              host,
		Port:              port.Int(),
		User:              "testuser",
		Password:          "testpass",
		DBName:            "testdb",
		MigrationsDirPath: "./migrations",
	}

	repo, err := NewRepository(creds)
	require.NoError(t, err)

	err = repo.RunMigrations(creds)
	require.NoError(t, err)

	cleanup := func() {
		repo.Close()
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %s", err)
		}
	}

	return repo, cleanup
}

func seedProduct(t *testing.T, repo *Repository, tag string, stock int32) *domain.Product {
	t.Helper()
	p := &domain.Product{
		Name:       "Product " + tag,
		RFIDTag:    tag,
		UnitPrice:  decimal.RequireFromString("2.50"),
		UnitWeight: decimal.RequireFromString("0.250"),
		StockCount: stock,
	}
	require.NoError(t, repo.CreateProduct(context.Background(), p))
	return p
}

func TestRepository_CartLifecycle(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	cart, err := repo.CreateCart(ctx)
	require.NoError(t, err)
	assert.NotZero(t, cart.ID)
	assert.Equal(t, domain.CartStatusActive, cart.Status)
	assert.Equal(t, int32(1), cart.Session)
	assert.True(t, cart.AggregateWeight.IsZero())

	got, err := repo.GetCart(ctx, cart.ID)
	require.NoError(t, err)
	assert.Equal(t, cart.ID, got.ID)

	_, err = repo.GetCart(ctx, 99999)
	assert.ErrorIs(t, err, store.ErrCartNotFound)

	_, err = repo.ListCartLines(ctx, 99999)
	assert.ErrorIs(t, err, store.ErrCartNotFound)

	lines, err := repo.ListCartLines(ctx, cart.ID)
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestRepository_ScanUnitCommits(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	product := seedProduct(t, repo, "TAG-1", 3)
	cart, err := repo.CreateCart(ctx)
	require.NoError(t, err)

	err = repo.Atomically(ctx, func(tx store.Tx) error {
		c, err := tx.GetCart(ctx, cart.ID)
		if err != nil {
			return err
		}
		p, err := tx.GetProduct(ctx, product.ID)
		if err != nil {
			return err
		}
		if err := tx.AdjustStock(ctx, p.ID, -1); err != nil {
			return err
		}
		line := &domain.CartLine{CartID: c.ID, ProductID: p.ID, Quantity: 1, LineWeight: p.UnitWeight}
		if err := tx.SaveLine(ctx, line); err != nil {
			return err
		}
		if line.ID == 0 {
			return errors.New("line id not assigned")
		}
		c.AggregateWeight = line.LineWeight
		if err := tx.UpdateCart(ctx, c); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, &domain.Event{
			Type:        domain.EventCartUpdated,
			AggregateID: "1",
			Payload:     json.RawMessage(`{"cart_id":1}`),
		})
	})
	require.NoError(t, err)

	p, err := repo.GetProduct(ctx, product.ID)
	require.NoError(t, err)
	assert.Equal(t, int32(2), p.StockCount)

	c, err := repo.GetCart(ctx, cart.ID)
	require.NoError(t, err)
	assert.True(t, c.AggregateWeight.Equal(decimal.RequireFromString("0.25")))

	views, err := repo.ListCartLines(ctx, cart.ID)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, "Product TAG-1", views[0].ProductName)
	assert.True(t, views[0].UnitPrice.Equal(decimal.RequireFromString("2.5")))

	events, err := repo.GetUnpublishedEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventCartUpdated, events[0].Type)
	assert.JSONEq(t, `{"cart_id":1}`, string(events[0].Payload))
	assert.NotEmpty(t, events[0].EventID)

	require.NoError(t, repo.MarkEventPublished(ctx, events[0].ID))
	events, err = repo.GetUnpublishedEvents(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, events)

	assert.ErrorIs(t, repo.MarkEventPublished(ctx, 99999), store.ErrEventNotFound)
}

func TestRepository_RollbackOnError(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	product := seedProduct(t, repo, "TAG-1", 3)
	boom := errors.New("boom")

	err := repo.Atomically(ctx, func(tx store.Tx) error {
		if err := tx.AdjustStock(ctx, product.ID, -2); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	p, err := repo.GetProduct(ctx, product.ID)
	require.NoError(t, err)
	assert.Equal(t, int32(3), p.StockCount)
}

func TestRepository_AdjustStock(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	product := seedProduct(t, repo, "TAG-1", 1)

	err := repo.Atomically(ctx, func(tx store.Tx) error {
		return tx.AdjustStock(ctx, product.ID, -2)
	})
	assert.ErrorIs(t, err, store.ErrInsufficientStock)

	err = repo.Atomically(ctx, func(tx store.Tx) error {
		return tx.AdjustStock(ctx, 99999, 1)
	})
	assert.ErrorIs(t, err, store.ErrProductNotFound)

	err = repo.Atomically(ctx, func(tx store.Tx) error {
		return tx.AdjustStock(ctx, product.ID, 4)
	})
	require.NoError(t, err)

	p, err := repo.GetProduct(ctx, product.ID)
	require.NoError(t, err)
	assert.Equal(t, int32(5), p.StockCount)

	err = repo.Atomically(ctx, func(tx store.Tx) error {
		return tx.AdjustStock(ctx, product.ID, math.MaxInt32)
	})
	assert.ErrorIs(t, err, store.ErrStockOverflow)
}

func TestRepository_CartUpdatedAtAdvances(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	cart, err := repo.CreateCart(ctx)
	require.NoError(t, err)

	var versions []time.Time
	for i := 0; i < 3; i++ {
		err := repo.Atomically(ctx, func(tx store.Tx) error {
			c, err := tx.GetCart(ctx, cart.ID)
			if err != nil {
				return err
			}
			if err := tx.UpdateCart(ctx, c); err != nil {
				return err
			}
			versions = append(versions, c.UpdatedAt)
			return nil
		})
		require.NoError(t, err)
	}
	assert.True(t, versions[1].After(versions[0]))
	assert.True(t, versions[2].After(versions[1]))
}

func TestRepository_ConcurrentDecrements(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	product := seedProduct(t, repo, "TAG-1", 10)

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := repo.Atomically(ctx, func(tx store.Tx) error {
				if _, err := tx.GetProduct(ctx, product.ID); err != nil {
					return err
				}
				return tx.AdjustStock(ctx, product.ID, -1)
			})
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, successes)
	p, err := repo.GetProduct(ctx, product.ID)
	require.NoError(t, err)
	assert.Equal(t, int32(0), p.StockCount)
}

func TestRepository_Lines(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	a := seedProduct(t, repo, "TAG-A", 5)
	b := seedProduct(t, repo, "TAG-B", 5)
	cart, err := repo.CreateCart(ctx)
	require.NoError(t, err)

	var lineA domain.CartLine
	err = repo.Atomically(ctx, func(tx store.Tx) error {
		lineA = domain.CartLine{CartID: cart.ID, ProductID: a.ID, Quantity: 1, LineWeight: a.UnitWeight}
		if err := tx.SaveLine(ctx, &lineA); err != nil {
			return err
		}
		lineB := domain.CartLine{CartID: cart.ID, ProductID: b.ID, Quantity: 1, LineWeight: b.UnitWeight}
		return tx.SaveLine(ctx, &lineB)
	})
	require.NoError(t, err)

	err = repo.Atomically(ctx, func(tx store.Tx) error {
		dup := domain.CartLine{CartID: cart.ID, ProductID: a.ID, Quantity: 1, LineWeight: a.UnitWeight}
		return tx.SaveLine(ctx, &dup)
	})
	assert.ErrorIs(t, err, store.ErrDuplicateLine)

	err = repo.Atomically(ctx, func(tx store.Tx) error {
		lineA.Quantity = 2
		lineA.LineWeight = a.UnitWeight.Mul(decimal.NewFromInt(2))
		return tx.SaveLine(ctx, &lineA)
	})
	require.NoError(t, err)

	err = repo.Atomically(ctx, func(tx store.Tx) error {
		lines, err := tx.ListLines(ctx, cart.ID)
		if err != nil {
			return err
		}
		if len(lines) != 2 || lines[0].Quantity != 2 {
			return errors.New("unexpected lines")
		}
		return nil
	})
	require.NoError(t, err)

	err = repo.Atomically(ctx, func(tx store.Tx) error {
		return tx.DeleteLine(ctx, cart.ID, 99999)
	})
	assert.ErrorIs(t, err, store.ErrLineNotFound)

	err = repo.Atomically(ctx, func(tx store.Tx) error {
		return tx.DeleteLine(ctx, cart.ID, lineA.ID)
	})
	require.NoError(t, err)

	views, err := repo.ListCartLines(ctx, cart.ID)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, b.ID, views[0].ProductID)

	err = repo.Atomically(ctx, func(tx store.Tx) error {
		return tx.DeleteLines(ctx, cart.ID)
	})
	require.NoError(t, err)

	views, err = repo.ListCartLines(ctx, cart.ID)
	require.NoError(t, err)
	assert.Empty(t, views)
}

func TestRepository_Products(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	a := seedProduct(t, repo, "TAG-A", 5)
	seedProduct(t, repo, "TAG-B", 5)

	dup := &domain.Product{Name: "dup", RFIDTag: "TAG-A"}
	assert.ErrorIs(t, repo.CreateProduct(ctx, dup), store.ErrDuplicateTag)

	got, err := repo.GetProductByTag(ctx, "TAG-B")
	require.NoError(t, err)
	assert.Equal(t, "Product TAG-B", got.Name)

	_, err = repo.GetProductByTag(ctx, "nope")
	assert.ErrorIs(t, err, store.ErrProductNotFound)

	err = repo.Atomically(ctx, func(tx store.Tx) error {
		p, err := tx.GetProduct(ctx, a.ID)
		if err != nil {
			return err
		}
		p.RFIDTag = "TAG-B"
		return tx.UpdateProduct(ctx, p)
	})
	assert.ErrorIs(t, err, store.ErrDuplicateTag)

	err = repo.Atomically(ctx, func(tx store.Tx) error {
		p, err := tx.GetProduct(ctx, a.ID)
		if err != nil {
			return err
		}
		p.Name = "Renamed"
		p.StockCount = 999
		return tx.UpdateProduct(ctx, p)
	})
	require.NoError(t, err)

	got, err = repo.GetProduct(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Name)
	assert.Equal(t, int32(5), got.StockCount)

	all, err := repo.ListProducts(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestRepository_OneTransactionPerSession(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	cart, err := repo.CreateCart(ctx)
	require.NoError(t, err)

	email := "shopper@example.com"
	insert := func() (*domain.Transaction, error) {
		txn := &domain.Transaction{
			CartID:        cart.ID,
			CartSession:   cart.Session,
			Email:         &email,
			TotalAmount:   decimal.RequireFromString("12.50"),
			TotalWeight:   decimal.RequireFromString("1.250"),
			PaymentMethod: domain.PaymentMethodCard,
			Status:        domain.TransactionStatusCompleted,
		}
		err := repo.Atomically(ctx, func(tx store.Tx) error {
			return tx.InsertTransaction(ctx, txn)
		})
		return txn, err
	}

	txn, err := insert()
	require.NoError(t, err)
	assert.NotEmpty(t, txn.ID)

	_, err = insert()
	assert.ErrorIs(t, err, store.ErrDuplicateSale)

	err = repo.Atomically(ctx, func(tx store.Tx) error {
		sold, err := tx.HasSale(ctx, cart.ID, cart.Session)
		if err != nil {
			return err
		}
		if !sold {
			return errors.New("sale not visible")
		}
		return nil
	})
	require.NoError(t, err)

	got, err := repo.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, cart.ID, got.CartID)
	require.NotNil(t, got.Email)
	assert.Equal(t, email, *got.Email)
	assert.True(t, got.TotalAmount.Equal(decimal.RequireFromString("12.5")))

	_, err = repo.GetTransaction(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, store.ErrTransactionNotFound)

	// Still active with its session sold
	degraded, err := repo.ListDegradedCarts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{cart.ID}, degraded)

	err = repo.Atomically(ctx, func(tx store.Tx) error {
		c, err := tx.GetCart(ctx, cart.ID)
		if err != nil {
			return err
		}
		c.Status = domain.CartStatusInactive
		return tx.UpdateCart(ctx, c)
	})
	require.NoError(t, err)

	degraded, err = repo.ListDegradedCarts(ctx)
	require.NoError(t, err)
	assert.Empty(t, degraded)

	txns, err := repo.ListTransactions(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, txns, 1)
}
