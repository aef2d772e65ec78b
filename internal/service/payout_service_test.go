// internal/service/payout_service_test.go
package service

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"coinsettle/internal/chain"
	"coinsettle/internal/domain"
	"coinsettle/internal/events"
	"coinsettle/internal/hdwallet"
	"coinsettle/internal/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMinerFee = int64(10_000)

type fakeUTXOs struct {
	unspent      map[string][]chain.Unspent
	broadcastErr error
	broadcasts   []string
}

func (f *fakeUTXOs) ListUnspent(ctx context.Context, address string) ([]chain.Unspent, error) {
	return f.unspent[address], nil
}

func (f *fakeUTXOs) Broadcast(ctx context.Context, rawHex string) (string, error) {
	if f.broadcastErr != nil {
		return "", f.broadcastErr
	}
	f.broadcasts = append(f.broadcasts, rawHex)
	return fmt.Sprintf("txid-%d", len(f.broadcasts)), nil
}

// fakeSigner applies the change and dust rules without real keys.
type fakeSigner struct {
	inputs  []domain.UnspentOutput
	outputs []domain.PayoutOutput
}

func (s *fakeSigner) BuildAndSign(inputs []domain.UnspentOutput, outputs []domain.PayoutOutput, minerFee int64) (*hdwallet.SignedTx, error) {
	s.inputs, s.outputs = inputs, outputs
	var in, out int64
	for _, i := range inputs {
		in += i.Value
	}
	for _, o := range outputs {
		out += o.Value
	}
	change := in - out - minerFee
	if change < 0 {
		return nil, util.ErrInsufficientPoolFunds
	}
	if change <= hdwallet.DefaultDustThreshold {
		change = 0
	}
	return &hdwallet.SignedTx{Hex: "raw", Hash: "local-hash", Fee: in - out - change, Change: change}, nil
}

type payoutFixture struct {
	*harness
	utxos  *fakeUTXOs
	signer *fakeSigner
	svc    PayoutService
	ids    []int64
}

// newPayoutFixture funds two vendors, queues a 0.3 and a 0.2 withdrawal and
// stocks the pool with two confirmed outputs of 0.3 and 0.4 plus one
// unconfirmed output.
func newPayoutFixture(t *testing.T) *payoutFixture {
	ctx := context.Background()
	h := newHarness()
	ledger := h.ledger()

	var ids []int64
	for user, amount := range map[int64]string{testVendorA: "0.3", testVendorB: "0.2"} {
		_, err := ledger.CreditUser(ctx, user, dec("1"), "BTC", domain.TransactionTypeCredit, nil, "seed")
		require.NoError(t, err)
		w, err := ledger.RequestWithdrawal(ctx, user, dec(amount), fmt.Sprintf("dest-%d", user), "BTC")
		require.NoError(t, err)
		ids = append(ids, w.ID)
	}

	for i, addr := range []string{"pool-a", "pool-b"} {
		h.store.seedOrder(domain.Order{
			BuyerID:          testBuyer,
			CoinAmount:       dec("0.5"),
			ReceivingAddress: addr,
			DerivationIndex:  int64(i),
			Status:           domain.OrderStatusPaid,
		})
	}
	utxos := &fakeUTXOs{unspent: map[string][]chain.Unspent{
		"pool-a": {{TxHash: "in-a", TxPos: 0, Height: 100, Value: 30_000_000}},
		"pool-b": {
			{TxHash: "in-b-mempool", TxPos: 0, Height: 0, Value: 90_000_000},
			{TxHash: "in-b", TxPos: 1, Height: 101, Value: 40_000_000},
		},
	}}
	signer := &fakeSigner{}
	svc := NewPayoutService(noopExecutor{}, h.tx, utxos, signer, h.orders, h.transactions, h.wallets, h.payouts,
		h.publisher, testMinerFee, discardLogger())
	return &payoutFixture{harness: h, utxos: utxos, signer: signer, svc: svc, ids: ids}
}

func (f *payoutFixture) withdrawal(t *testing.T, id int64) *domain.Transaction {
	w, err := f.transactions.GetTransactionByID(context.Background(), nil, id)
	require.NoError(t, err)
	return w
}

func TestExecuteBatchWithdrawal(t *testing.T) {
	ctx := context.Background()
	f := newPayoutFixture(t)

	batch, err := f.svc.ExecuteBatchWithdrawal(ctx, f.ids)
	require.NoError(t, err)

	assert.Equal(t, "txid-1", batch.TxHash)
	assert.Equal(t, 2, batch.InputCount)
	assert.ElementsMatch(t, f.ids, batch.WithdrawalIDs)
	assert.True(t, batch.TotalAmount.Equal(dec("0.5")))
	assert.True(t, batch.ChangeAmount.Equal(dec("0.1999")))
	assert.True(t, batch.MinerFee.Equal(util.FromSmallestUnit(testMinerFee)))

	var spent []string
	for _, in := range f.signer.inputs {
		spent = append(spent, in.TxHash)
	}
	assert.ElementsMatch(t, []string{"in-a", "in-b"}, spent)
	require.Len(t, f.signer.outputs, 2)

	for _, id := range f.ids {
		w := f.withdrawal(t, id)
		assert.Equal(t, domain.TransactionStatusConfirmed, w.Status)
		assert.Equal(t, "txid-1", w.Metadata.PayoutTxHash)
		assert.Equal(t, batch.ID, w.Metadata.PayoutBatchID)
	}
	a := f.store.balanceOf(testVendorA, "BTC")
	assert.True(t, a.Available.Equal(dec("0.7")))
	assert.True(t, a.Locked.IsZero())
	assert.True(t, f.store.balanceOf(testVendorB, "BTC").Locked.IsZero())

	statuses := f.store.reservationStatuses()
	assert.Equal(t, domain.ReservationSpent, statuses["in-a:0"])
	assert.Equal(t, domain.ReservationSpent, statuses["in-b:1"])
	assert.NotContains(t, statuses, "in-b-mempool:0")

	own, err := f.payouts.IsPayoutHash(ctx, nil, "txid-1")
	require.NoError(t, err)
	assert.True(t, own)
	assert.Contains(t, f.publisher.types(), events.EventWithdrawalsPaidOut)

	// Paid withdrawals are no longer pending.
	_, err = f.svc.ExecuteBatchWithdrawal(ctx, f.ids)
	assert.ErrorIs(t, err, util.ErrNotFound)
}

func TestExecuteBatchWithdrawalInsufficientPool(t *testing.T) {
	ctx := context.Background()
	f := newPayoutFixture(t)
	f.utxos.unspent["pool-b"] = nil

	_, err := f.svc.ExecuteBatchWithdrawal(ctx, f.ids)
	assert.ErrorIs(t, err, util.ErrInsufficientPoolFunds)

	assert.Equal(t, domain.ReservationReleased, f.store.reservationStatuses()["in-a:0"])
	for _, id := range f.ids {
		w := f.withdrawal(t, id)
		assert.Equal(t, domain.TransactionStatusPending, w.Status)
		assert.Empty(t, w.Metadata.PayoutBatchID)
	}
	assert.True(t, f.store.balanceOf(testVendorA, "BTC").Locked.Equal(dec("0.3")))
	assert.Empty(t, f.utxos.broadcasts)
}

func TestExecuteBatchWithdrawalBroadcastFailure(t *testing.T) {
	ctx := context.Background()
	f := newPayoutFixture(t)
	f.utxos.broadcastErr = errors.New("mempool min fee not met")

	_, err := f.svc.ExecuteBatchWithdrawal(ctx, f.ids)
	assert.ErrorIs(t, err, util.ErrBroadcastFailure)

	statuses := f.store.reservationStatuses()
	assert.Equal(t, domain.ReservationReleased, statuses["in-a:0"])
	assert.Equal(t, domain.ReservationReleased, statuses["in-b:1"])
	for _, id := range f.ids {
		w := f.withdrawal(t, id)
		assert.Equal(t, domain.TransactionStatusPending, w.Status)
		assert.Empty(t, w.Metadata.PayoutBatchID)
	}
	assert.True(t, f.store.balanceOf(testVendorB, "BTC").Locked.Equal(dec("0.2")))

	// Released outputs can be taken again by the next run.
	f.utxos.broadcastErr = nil
	batch, err := f.svc.ExecuteBatchWithdrawal(ctx, f.ids)
	require.NoError(t, err)
	assert.Equal(t, 2, batch.InputCount)
	assert.Equal(t, domain.ReservationSpent, f.store.reservationStatuses()["in-a:0"])
}

func TestExecuteBatchWithdrawalSkipsReservedOutputs(t *testing.T) {
	ctx := context.Background()
	f := newPayoutFixture(t)
	f.utxos.unspent["pool-b"] = append(f.utxos.unspent["pool-b"],
		chain.Unspent{TxHash: "in-b-extra", TxPos: 2, Height: 102, Value: 20_000_000})

	// A concurrent batch holds in-a.
	ok, err := f.payouts.ReserveOutput(ctx, nil, domain.UnspentOutput{TxHash: "in-a", Vout: 0, Value: 30_000_000}, "other-batch")
	require.NoError(t, err)
	require.True(t, ok)

	batch, err := f.svc.ExecuteBatchWithdrawal(ctx, f.ids)
	require.NoError(t, err)
	assert.Equal(t, 2, batch.InputCount)
	for _, in := range f.signer.inputs {
		assert.NotEqual(t, "in-a", in.TxHash)
	}
	assert.Equal(t, domain.ReservationReserved, f.store.reservationStatuses()["in-a:0"])
}

func TestExecuteBatchWithdrawalSkipsClaimedWithdrawals(t *testing.T) {
	ctx := context.Background()
	f := newPayoutFixture(t)

	ok, err := f.transactions.ClaimWithdrawal(ctx, nil, f.ids[0], "other-batch")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.svc.ExecuteBatchWithdrawal(ctx, f.ids[:1])
	assert.ErrorIs(t, err, util.ErrNotFound)

	batch, err := f.svc.ExecuteBatchWithdrawal(ctx, f.ids)
	require.NoError(t, err)
	assert.Equal(t, []int64{f.ids[1]}, batch.WithdrawalIDs)
	assert.Equal(t, "other-batch", f.withdrawal(t, f.ids[0]).Metadata.PayoutBatchID)
}
