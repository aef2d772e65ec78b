// internal/service/fakes_test.go
package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"coinsettle/internal/chain"
	"coinsettle/internal/domain"
	"coinsettle/internal/events"
	"coinsettle/internal/repository"
	"coinsettle/internal/util"
	"coinsettle/pkg/db"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
)

var errNoSQL = errors.New("fake executor runs no SQL")

// noopExecutor stands in for *sqlx.DB. The in-memory repositories ignore it.
type noopExecutor struct{}

func (noopExecutor) GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return errNoSQL
}

func (noopExecutor) SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return errNoSQL
}

func (noopExecutor) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return nil, errNoSQL
}

func (noopExecutor) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return nil
}

type balanceKey struct {
	walletID int64
	currency string
}

type reservation struct {
	output  domain.UnspentOutput
	batchID string
	status  domain.ReservationStatus
	version int
}

// memDB is the shared state behind the in-memory repositories. A fake
// transaction snapshots it on begin and restores the snapshot on rollback.
type memDB struct {
	mu sync.Mutex

	nextID          int64
	derivationIndex int64
	orders          map[int64]domain.Order
	products        map[int64]domain.Product
	transactions    map[int64]domain.Transaction
	wallets         map[int64]domain.Wallet // by user id
	balances        map[balanceKey]domain.Balance
	settled         map[int64]int64
	settlements     []domain.Settlement
	reservations    map[string]reservation
	batches         map[string]domain.PayoutBatch

	// createTxErr, when set, is consulted before every transaction insert.
	createTxErr func(t *domain.Transaction) error
}

func newMemDB() *memDB {
	return &memDB{
		orders:       map[int64]domain.Order{},
		products:     map[int64]domain.Product{},
		transactions: map[int64]domain.Transaction{},
		wallets:      map[int64]domain.Wallet{},
		balances:     map[balanceKey]domain.Balance{},
		settled:      map[int64]int64{},
		reservations: map[string]reservation{},
		batches:      map[string]domain.PayoutBatch{},
	}
}

type memState struct {
	nextID          int64
	derivationIndex int64
	orders          map[int64]domain.Order
	products        map[int64]domain.Product
	transactions    map[int64]domain.Transaction
	wallets         map[int64]domain.Wallet
	balances        map[balanceKey]domain.Balance
	settled         map[int64]int64
	settlements     []domain.Settlement
	reservations    map[string]reservation
	batches         map[string]domain.PayoutBatch
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (m *memDB) snapshot() memState {
	m.mu.Lock()
	defer m.mu.Unlock()
	orders := make(map[int64]domain.Order, len(m.orders))
	for id, o := range m.orders {
		orders[id] = cloneOrder(o)
	}
	return memState{
		nextID:          m.nextID,
		derivationIndex: m.derivationIndex,
		orders:          orders,
		products:        copyMap(m.products),
		transactions:    copyMap(m.transactions),
		wallets:         copyMap(m.wallets),
		balances:        copyMap(m.balances),
		settled:         copyMap(m.settled),
		settlements:     append([]domain.Settlement(nil), m.settlements...),
		reservations:    copyMap(m.reservations),
		batches:         copyMap(m.batches),
	}
}

func (m *memDB) restore(s memState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID = s.nextID
	m.derivationIndex = s.derivationIndex
	m.orders = s.orders
	m.products = s.products
	m.transactions = s.transactions
	m.wallets = s.wallets
	m.balances = s.balances
	m.settled = s.settled
	m.settlements = s.settlements
	m.reservations = s.reservations
	m.batches = s.batches
}

func (m *memDB) id() int64 {
	m.nextID++
	return m.nextID
}

func cloneOrder(o domain.Order) domain.Order {
	o.Items = append([]domain.OrderItem(nil), o.Items...)
	return o
}

// memTx is the fake transaction handed to services through TxFuncs.
type memTx struct {
	noopExecutor
	db        *memDB
	snap      memState
	committed bool
	commitErr error
}

func (t *memTx) Commit() error {
	if t.commitErr != nil {
		return t.commitErr
	}
	t.committed = true
	return nil
}

func (t *memTx) Rollback() error {
	if t.committed {
		return sql.ErrTxDone
	}
	t.db.restore(t.snap)
	t.committed = true
	return nil
}

// memTxFuncs returns TxFuncs whose transactions snapshot store.
func memTxFuncs(store *memDB) TxFuncs {
	return TxFuncs{
		Begin: func(ctx context.Context, _ db.DBTxBeginner) (db.TxController, error) {
			return &memTx{db: store, snap: store.snapshot()}, nil
		},
		Commit: func(tx db.TxController) error { return tx.Commit() },
		Rollback: func(tx db.TxController) {
			_ = tx.Rollback()
		},
	}
}

// --- orders ---

type memOrderRepo struct{ db *memDB }

func (r memOrderRepo) NextDerivationIndex(ctx context.Context, q repository.DBExecutor) (int64, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	idx := r.db.derivationIndex
	r.db.derivationIndex++
	return idx, nil
}

func (r memOrderRepo) CreateOrder(ctx context.Context, q repository.DBExecutor, order *domain.Order) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	order.ID = r.db.id()
	for i := range order.Items {
		order.Items[i].ID = r.db.id()
		order.Items[i].OrderID = order.ID
	}
	r.db.orders[order.ID] = cloneOrder(*order)
	return nil
}

func (r memOrderRepo) GetOrderByID(ctx context.Context, q repository.DBExecutor, id int64) (*domain.Order, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	o, ok := r.db.orders[id]
	if !ok {
		return nil, util.ErrNotFound
	}
	o = cloneOrder(o)
	return &o, nil
}

func (r memOrderRepo) LockOrder(ctx context.Context, q repository.DBExecutor, id int64) (*domain.Order, error) {
	return r.GetOrderByID(ctx, q, id)
}

func (r memOrderRepo) UpdateOrderStatus(ctx context.Context, q repository.DBExecutor, id int64, from, to domain.OrderStatus) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	o, ok := r.db.orders[id]
	if !ok || o.Status != from {
		return false, nil
	}
	o.Status = to
	o.UpdatedAt = time.Now().UTC()
	r.db.orders[id] = o
	return true, nil
}

func (r memOrderRepo) ListExpiredPending(ctx context.Context, q repository.DBExecutor, now time.Time, limit int) ([]domain.Order, error) {
	return r.list(func(o domain.Order) bool {
		return o.Status == domain.OrderStatusPending && o.QuoteExpiresAt.Before(now) && !r.db.hasTransactions(o.ID)
	}, limit, 0), nil
}

// hasTransactions expects the caller to hold m.mu.
func (m *memDB) hasTransactions(orderID int64) bool {
	for _, t := range m.transactions {
		if t.OrderID != nil && *t.OrderID == orderID {
			return true
		}
	}
	return false
}

func (r memOrderRepo) ListByStatus(ctx context.Context, q repository.DBExecutor, statuses []domain.OrderStatus, limit, offset int) ([]domain.Order, error) {
	return r.list(func(o domain.Order) bool {
		for _, s := range statuses {
			if o.Status == s {
				return true
			}
		}
		return false
	}, limit, offset), nil
}

func (r memOrderRepo) list(match func(domain.Order) bool, limit, offset int) []domain.Order {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []domain.Order
	for _, o := range r.db.orders {
		if match(o) {
			out = append(out, cloneOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if offset >= len(out) {
		return nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (r memOrderRepo) MarkItemFulfilled(ctx context.Context, q repository.DBExecutor, orderID, itemID int64, at time.Time) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	o, ok := r.db.orders[orderID]
	if !ok {
		return false, nil
	}
	for i := range o.Items {
		if o.Items[i].ID == itemID && o.Items[i].FulfilledAt == nil {
			o.Items[i].FulfilledAt = &at
			r.db.orders[orderID] = o
			return true, nil
		}
	}
	return false, nil
}

// --- products ---

type memProductRepo struct{ db *memDB }

func (r memProductRepo) GetProductByID(ctx context.Context, q repository.DBExecutor, id int64) (*domain.Product, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	p, ok := r.db.products[id]
	if !ok {
		return nil, util.ErrNotFound
	}
	return &p, nil
}

func (r memProductRepo) AdjustStock(ctx context.Context, q repository.DBExecutor, productID int64, delta int) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	p, ok := r.db.products[productID]
	if !ok {
		return util.ErrNotFound
	}
	if p.Stock+delta < 0 {
		return util.ErrOutOfStock
	}
	p.Stock += delta
	r.db.products[productID] = p
	return nil
}

// --- transactions ---

type memTransactionRepo struct{ db *memDB }

func (r memTransactionRepo) CreateTransaction(ctx context.Context, q repository.DBExecutor, t *domain.Transaction) error {
	if r.db.createTxErr != nil {
		if err := r.db.createTxErr(t); err != nil {
			return err
		}
	}
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if t.TxHash != nil {
		for _, existing := range r.db.transactions {
			if existing.TxHash != nil && *existing.TxHash == *t.TxHash {
				return util.ErrDuplicateEntry
			}
		}
	}
	t.ID = r.db.id()
	r.db.transactions[t.ID] = *t
	return nil
}

func (r memTransactionRepo) GetTransactionByID(ctx context.Context, q repository.DBExecutor, id int64) (*domain.Transaction, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	t, ok := r.db.transactions[id]
	if !ok {
		return nil, util.ErrNotFound
	}
	return &t, nil
}

func (r memTransactionRepo) GetTransactionByHash(ctx context.Context, q repository.DBExecutor, txHash string) (*domain.Transaction, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, t := range r.db.transactions {
		if t.TxHash != nil && *t.TxHash == txHash {
			return &t, nil
		}
	}
	return nil, util.ErrNotFound
}

func (r memTransactionRepo) ListPendingPayments(ctx context.Context, q repository.DBExecutor, orderID int64) ([]domain.Transaction, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []domain.Transaction
	for _, t := range r.db.transactions {
		if t.OrderID != nil && *t.OrderID == orderID && t.Type == domain.TransactionTypePayment &&
			t.Status == domain.TransactionStatusPending {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (r memTransactionRepo) GetConfirmedPayment(ctx context.Context, q repository.DBExecutor, orderID int64) (*domain.Transaction, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var latest *domain.Transaction
	for _, t := range r.db.transactions {
		if t.OrderID == nil || *t.OrderID != orderID || t.Type != domain.TransactionTypePayment ||
			t.Status != domain.TransactionStatusConfirmed || !t.Metadata.IsSufficient {
			continue
		}
		if latest == nil || t.ID > latest.ID {
			t := t
			latest = &t
		}
	}
	if latest == nil {
		return nil, util.ErrNotFound
	}
	return latest, nil
}

func (r memTransactionRepo) CountByOrder(ctx context.Context, q repository.DBExecutor, orderID int64) (int, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	n := 0
	for _, t := range r.db.transactions {
		if t.OrderID != nil && *t.OrderID == orderID {
			n++
		}
	}
	return n, nil
}

func (r memTransactionRepo) UpdateMetadata(ctx context.Context, q repository.DBExecutor, id int64, metadata domain.TransactionMetadata) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	t, ok := r.db.transactions[id]
	if !ok {
		return util.ErrNotFound
	}
	t.Metadata = metadata
	r.db.transactions[id] = t
	return nil
}

func (r memTransactionRepo) UpdateStatus(ctx context.Context, q repository.DBExecutor, id int64, from, to domain.TransactionStatus) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	t, ok := r.db.transactions[id]
	if !ok || t.Status != from {
		return false, nil
	}
	t.Status = to
	r.db.transactions[id] = t
	return true, nil
}

func (r memTransactionRepo) ListPendingWithdrawals(ctx context.Context, q repository.DBExecutor, ids []int64) ([]domain.Transaction, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []domain.Transaction
	for _, id := range ids {
		t, ok := r.db.transactions[id]
		if ok && t.Type == domain.TransactionTypeWithdrawal && t.Status == domain.TransactionStatusPending {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r memTransactionRepo) ClaimWithdrawal(ctx context.Context, q repository.DBExecutor, id int64, batchID string) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	t, ok := r.db.transactions[id]
	if !ok || t.Type != domain.TransactionTypeWithdrawal || t.Status != domain.TransactionStatusPending || t.Metadata.PayoutBatchID != "" {
		return false, nil
	}
	t.Metadata.PayoutBatchID = batchID
	r.db.transactions[id] = t
	return true, nil
}

func (r memTransactionRepo) ReleaseWithdrawalClaims(ctx context.Context, q repository.DBExecutor, batchID string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for id, t := range r.db.transactions {
		if t.Type == domain.TransactionTypeWithdrawal && t.Status == domain.TransactionStatusPending && t.Metadata.PayoutBatchID == batchID {
			t.Metadata.PayoutBatchID = ""
			r.db.transactions[id] = t
		}
	}
	return nil
}

func (r memTransactionRepo) ListOrdersAwaitingConfirmation(ctx context.Context, q repository.DBExecutor, limit int) ([]int64, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	seen := map[int64]bool{}
	var ids []int64
	for _, t := range r.db.transactions {
		if t.OrderID == nil || t.Type != domain.TransactionTypePayment || t.Status != domain.TransactionStatusPending || !t.Metadata.IsSufficient {
			continue
		}
		if o, ok := r.db.orders[*t.OrderID]; !ok || o.Status != domain.OrderStatusPending || seen[o.ID] {
			continue
		}
		seen[*t.OrderID] = true
		ids = append(ids, *t.OrderID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (r memTransactionRepo) GetTransactionsByWalletID(ctx context.Context, q repository.DBExecutor, walletID int64, limit, offset int) ([]domain.Transaction, int64, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []domain.Transaction
	for _, t := range r.db.transactions {
		if t.WalletID != nil && *t.WalletID == walletID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	total := int64(len(out))
	if offset >= len(out) {
		return []domain.Transaction{}, total, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, total, nil
}

// byType returns the stored transactions of one type ordered by id.
func (m *memDB) byType(txType domain.TransactionType) []domain.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Transaction
	for _, t := range m.transactions {
		if t.Type == txType {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// --- wallets ---

type memWalletRepo struct{ db *memDB }

func (r memWalletRepo) GetOrCreateWallet(ctx context.Context, q repository.DBExecutor, userID int64) (*domain.Wallet, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	w, ok := r.db.wallets[userID]
	if !ok {
		now := time.Now().UTC()
		w = domain.Wallet{ID: r.db.id(), UserID: userID, CreatedAt: now, UpdatedAt: now}
		r.db.wallets[userID] = w
	}
	return &w, nil
}

func (r memWalletRepo) GetWalletByUserID(ctx context.Context, q repository.DBExecutor, userID int64) (*domain.Wallet, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	w, ok := r.db.wallets[userID]
	if !ok {
		return nil, util.ErrWalletNotFound
	}
	return &w, nil
}

func (r memWalletRepo) EnsureBalance(ctx context.Context, q repository.DBExecutor, walletID int64, currency string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	key := balanceKey{walletID, currency}
	if _, ok := r.db.balances[key]; !ok {
		r.db.balances[key] = domain.Balance{ID: r.db.id(), WalletID: walletID, Currency: currency}
	}
	return nil
}

func (r memWalletRepo) GetBalances(ctx context.Context, q repository.DBExecutor, walletID int64) ([]domain.Balance, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []domain.Balance
	for key, b := range r.db.balances {
		if key.walletID == walletID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out, nil
}

func (r memWalletRepo) GetBalanceForUpdate(ctx context.Context, q repository.DBExecutor, walletID int64, currency string) (*domain.Balance, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	b, ok := r.db.balances[balanceKey{walletID, currency}]
	if !ok {
		return nil, util.ErrNotFound
	}
	return &b, nil
}

func (r memWalletRepo) IncrementAvailable(ctx context.Context, q repository.DBExecutor, walletID int64, currency string, amount decimal.Decimal) error {
	return r.mutate(walletID, currency, true, func(b *domain.Balance) error {
		b.Available = b.Available.Add(amount)
		return nil
	})
}

func (r memWalletRepo) MoveToLocked(ctx context.Context, q repository.DBExecutor, walletID int64, currency string, amount decimal.Decimal) error {
	return r.mutate(walletID, currency, false, func(b *domain.Balance) error {
		if b.Available.LessThan(amount) {
			return util.ErrInsufficientFunds
		}
		b.Available = b.Available.Sub(amount)
		b.Locked = b.Locked.Add(amount)
		return nil
	})
}

func (r memWalletRepo) MoveToAvailable(ctx context.Context, q repository.DBExecutor, walletID int64, currency string, amount decimal.Decimal) error {
	return r.mutate(walletID, currency, false, func(b *domain.Balance) error {
		if b.Locked.LessThan(amount) {
			return util.ErrInvalidUnlockAmount
		}
		b.Locked = b.Locked.Sub(amount)
		b.Available = b.Available.Add(amount)
		return nil
	})
}

func (r memWalletRepo) DecrementLocked(ctx context.Context, q repository.DBExecutor, walletID int64, currency string, amount decimal.Decimal) error {
	return r.mutate(walletID, currency, false, func(b *domain.Balance) error {
		if b.Locked.LessThan(amount) {
			return util.ErrInvalidUnlockAmount
		}
		b.Locked = b.Locked.Sub(amount)
		return nil
	})
}

func (r memWalletRepo) mutate(walletID int64, currency string, upsert bool, fn func(b *domain.Balance) error) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	key := balanceKey{walletID, currency}
	b, ok := r.db.balances[key]
	if !ok {
		if !upsert {
			return util.ErrNotFound
		}
		b = domain.Balance{ID: r.db.id(), WalletID: walletID, Currency: currency}
	}
	if err := fn(&b); err != nil {
		return err
	}
	r.db.balances[key] = b
	return nil
}

// balanceOf returns the user's balance in currency, zero when absent.
func (m *memDB) balanceOf(userID int64, currency string) domain.Balance {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[userID]
	if !ok {
		return domain.Balance{Currency: currency}
	}
	return m.balances[balanceKey{w.ID, currency}]
}

// --- settlements ---

type memSettlementRepo struct{ db *memDB }

func (r memSettlementRepo) MarkOrderSettled(ctx context.Context, q repository.DBExecutor, orderID, transactionID int64) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.settled[orderID]; ok {
		return util.ErrAlreadySettled
	}
	r.db.settled[orderID] = transactionID
	return nil
}

func (r memSettlementRepo) CreateSettlement(ctx context.Context, q repository.DBExecutor, s *domain.Settlement) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	s.ID = r.db.id()
	r.db.settlements = append(r.db.settlements, *s)
	return nil
}

func (r memSettlementRepo) ListByOrder(ctx context.Context, q repository.DBExecutor, orderID int64) ([]domain.Settlement, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []domain.Settlement
	for _, s := range r.db.settlements {
		if s.OrderID == orderID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r memSettlementRepo) ListUnsettledPaidOrders(ctx context.Context, q repository.DBExecutor, limit int) ([]int64, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var ids []int64
	for id, o := range r.db.orders {
		if _, done := r.db.settled[id]; !done && o.Status.IsPaid() {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// --- payouts ---

type memPayoutRepo struct{ db *memDB }

func outpointKey(hash string, vout uint32) string {
	return fmt.Sprintf("%s:%d", hash, vout)
}

func (r memPayoutRepo) ReserveOutput(ctx context.Context, q repository.DBExecutor, output domain.UnspentOutput, batchID string) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	key := outpointKey(output.TxHash, output.Vout)
	res, ok := r.db.reservations[key]
	if ok && res.status != domain.ReservationReleased {
		return false, nil
	}
	r.db.reservations[key] = reservation{output: output, batchID: batchID, status: domain.ReservationReserved, version: res.version + 1}
	return true, nil
}

func (r memPayoutRepo) transition(batchID string, to domain.ReservationStatus) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for key, res := range r.db.reservations {
		if res.batchID == batchID && res.status == domain.ReservationReserved {
			res.status = to
			r.db.reservations[key] = res
		}
	}
}

func (r memPayoutRepo) ReleaseBatch(ctx context.Context, q repository.DBExecutor, batchID string) error {
	r.transition(batchID, domain.ReservationReleased)
	return nil
}

func (r memPayoutRepo) MarkBatchSpent(ctx context.Context, q repository.DBExecutor, batchID string) error {
	r.transition(batchID, domain.ReservationSpent)
	return nil
}

func (r memPayoutRepo) CreateBatch(ctx context.Context, q repository.DBExecutor, batch *domain.PayoutBatch) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	r.db.batches[batch.ID] = *batch
	return nil
}

func (r memPayoutRepo) IsPayoutHash(ctx context.Context, q repository.DBExecutor, txHash string) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, b := range r.db.batches {
		if b.TxHash == txHash {
			return true, nil
		}
	}
	return false, nil
}

// reservationStatuses maps outpoints to their reservation status.
func (m *memDB) reservationStatuses() map[string]domain.ReservationStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]domain.ReservationStatus{}
	for key, res := range m.reservations {
		out[key] = res.status
	}
	return out
}

// --- collaborators ---

// MockChainData is a mock implementation of ChainData.
type MockChainData struct {
	mock.Mock
}

func (m *MockChainData) AddressActivity(ctx context.Context, address string) ([]chain.AddressTx, error) {
	args := m.Called(ctx, address)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]chain.AddressTx), args.Error(1)
}

func (m *MockChainData) TransactionDetail(ctx context.Context, hash string) (*chain.TxDetail, error) {
	args := m.Called(ctx, hash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*chain.TxDetail), args.Error(1)
}

func (m *MockChainData) ReceivedBy(ctx context.Context, hash, address string) (decimal.Decimal, int, error) {
	args := m.Called(ctx, hash, address)
	return args.Get(0).(decimal.Decimal), args.Int(1), args.Error(2)
}

// recordingPublisher collects published events.
type recordingPublisher struct {
	mu     sync.Mutex
	events []events.OrderEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, event events.OrderEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) types() []events.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.EventType
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type fixedQuoter struct {
	rate     decimal.Decimal
	validity time.Duration
	err      error
}

func (f fixedQuoter) Calculate(ctx context.Context, fiat decimal.Decimal) (domain.Quote, error) {
	if f.err != nil {
		return domain.Quote{}, f.err
	}
	return domain.Quote{
		FiatAmount: fiat,
		CoinAmount: util.RoundCoin(fiat.Div(f.rate)),
		Rate:       f.rate,
		ExpiresAt:  time.Now().UTC().Add(f.validity),
	}, nil
}

// indexDeriver derives a readable fake address from the index.
type indexDeriver struct{}

func (indexDeriver) Derive(index int64) (string, error) {
	return fmt.Sprintf("addr-%d", index), nil
}

type acceptAll struct{}

func (acceptAll) ValidateAddress(string) error { return nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// seedOrder stores an order directly, bypassing OrderService.
func (m *memDB) seedOrder(o domain.Order) *domain.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	o.ID = m.id()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	for i := range o.Items {
		o.Items[i].ID = m.id()
		o.Items[i].OrderID = o.ID
	}
	m.orders[o.ID] = cloneOrder(o)
	out := cloneOrder(o)
	return &out
}

func (m *memDB) order(id int64) domain.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneOrder(m.orders[id])
}

func (m *memDB) seedProduct(p domain.Product) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products[p.ID] = p
}

func (m *memDB) product(id int64) domain.Product {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.products[id]
}

const (
	testVendorA  = int64(10)
	testVendorB  = int64(20)
	testBuyer    = int64(1)
	testPlatform = int64(999)
)

// harness wires every service over one memDB.
type harness struct {
	store     *memDB
	tx        TxFuncs
	chain     *MockChainData
	publisher *recordingPublisher

	orders       memOrderRepo
	products     memProductRepo
	transactions memTransactionRepo
	wallets      memWalletRepo
	settlements  memSettlementRepo
	payouts      memPayoutRepo
}

func newHarness() *harness {
	store := newMemDB()
	return &harness{
		store:        store,
		tx:           memTxFuncs(store),
		chain:        new(MockChainData),
		publisher:    &recordingPublisher{},
		orders:       memOrderRepo{store},
		products:     memProductRepo{store},
		transactions: memTransactionRepo{store},
		wallets:      memWalletRepo{store},
		settlements:  memSettlementRepo{store},
		payouts:      memPayoutRepo{store},
	}
}

func (h *harness) ledger() LedgerService {
	return NewLedgerService(noopExecutor{}, h.tx, h.wallets, h.transactions, h.orders, h.settlements,
		acceptAll{}, h.publisher, LedgerConfig{
			SettlementCurrency: "BTC",
			AccountingCurrency: "USD",
			PlatformFeeRate:    dec("0.02"),
			PlatformUserID:     testPlatform,
		}, discardLogger())
}

func (h *harness) payments() PaymentService {
	return NewPaymentService(noopExecutor{}, h.tx, h.chain, h.orders, h.transactions, h.wallets, h.payouts,
		h.publisher, "BTC", discardLogger())
}

func (h *harness) sweeper() *ExpirationSweeper {
	return NewExpirationSweeper(noopExecutor{}, h.tx, h.orders, h.products, h.transactions, h.publisher, discardLogger())
}

func (h *harness) orderService(q Quoter) OrderService {
	return NewOrderService(noopExecutor{}, h.tx, h.orders, h.products, q, indexDeriver{}, h.sweeper(),
		h.publisher, "bitcoin", discardLogger())
}

// pendingOrder seeds a PENDING order quoted at coin with two lines:
// vendor A 2 x 100 and vendor B 1 x 100.
func (h *harness) pendingOrder(coin string, expiresIn time.Duration) *domain.Order {
	return h.store.seedOrder(domain.Order{
		BuyerID:          testBuyer,
		FiatAmount:       dec("300"),
		CoinAmount:       dec(coin),
		ExchangeRate:     dec("500"),
		QuoteExpiresAt:   time.Now().UTC().Add(expiresIn),
		ReceivingAddress: "addr-order",
		Status:           domain.OrderStatusPending,
		Items: []domain.OrderItem{
			{ProductID: 100, VendorID: testVendorA, Quantity: 2, UnitPrice: dec("100")},
			{ProductID: 200, VendorID: testVendorB, Quantity: 1, UnitPrice: dec("100")},
		},
	})
}

// paidOrder seeds a PAID order with a CONFIRMED payment of its full amount.
func (h *harness) paidOrder(coin, hash string) *domain.Order {
	order := h.pendingOrder(coin, time.Hour)
	_, err := h.orders.UpdateOrderStatus(context.Background(), nil, order.ID, domain.OrderStatusPending, domain.OrderStatusPaid)
	if err != nil {
		panic(err)
	}
	order.Status = domain.OrderStatusPaid
	txHash := hash
	payment := domain.NewTransaction(&order.ID, nil, &txHash, dec(coin), "BTC", domain.TransactionTypePayment,
		domain.TransactionStatusConfirmed, domain.TransactionMetadata{Confirmations: 1, IsSufficient: true})
	if err := h.transactions.CreateTransaction(context.Background(), nil, payment); err != nil {
		panic(err)
	}
	return order
}
