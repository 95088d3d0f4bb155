package transaction

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"millow-back-onchain/gateway/chain"
	"millow-back-onchain/gateway/chain/chaintest"
	"millow-back-onchain/logging"
	"millow-back-onchain/model"
)

var (
	buyer     = common.HexToAddress("0x90F79bf6EB2c4f870365E785982E1f101E93b906")
	seller    = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	lender    = common.HexToAddress("0x15d34AAf54267DB7D7c367839AAf71A00a2C6A65")
	inspector = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
)

func newFixture() (*chaintest.Escrow, *Sequencer) {
	fake := chaintest.NewEscrow(seller, lender, inspector)
	fake.List(1, buyer, 10, 3)
	return fake, NewSequencer(fake, logging.Discard())
}

func steps(r *model.ActionResult) []model.Step {
	out := make([]model.Step, len(r.Confirmed))
	for i, c := range r.Confirmed {
		out[i] = c.Step
	}
	return out
}

func TestExecute_BuyDepositsEscrowAmountThenApproves(t *testing.T) {
	fake, seq := newFixture()

	res, err := seq.Execute(context.Background(), &chaintest.Signer{Addr: buyer}, 1, model.ActionBuy)
	require.NoError(t, err)

	assert.True(t, res.Completed)
	assert.Equal(t, []model.Step{model.StepDepositEarnest, model.StepApproveSale}, steps(res))
	assert.Equal(t, []string{"depositEarnest", "approveSale"}, fake.SentMethods())
	assert.Equal(t, big.NewInt(3), fake.Sent[0].Value)

	l := fake.Snapshot(1)
	assert.Equal(t, big.NewInt(3), l.Balance)
	assert.True(t, l.Approval[buyer])
}

func TestExecute_InspectRecordsPassed(t *testing.T) {
	fake, seq := newFixture()

	res, err := seq.Execute(context.Background(), &chaintest.Signer{Addr: inspector}, 1, model.ActionInspect)
	require.NoError(t, err)

	assert.True(t, res.Completed)
	assert.Equal(t, []model.Step{model.StepUpdateInspection}, steps(res))
	assert.True(t, fake.Snapshot(1).InspectionPassed)
}

func TestExecute_LendTransfersShortfallWithFixedGas(t *testing.T) {
	fake, seq := newFixture()

	res, err := seq.Execute(context.Background(), &chaintest.Signer{Addr: lender}, 1, model.ActionLend)
	require.NoError(t, err)

	assert.True(t, res.Completed)
	assert.Equal(t, []model.Step{model.StepApproveSale, model.StepTransferLoan}, steps(res))

	require.Len(t, fake.Sent, 2)
	transfer := fake.Sent[1]
	assert.Equal(t, "transfer", transfer.Method)
	assert.Equal(t, fake.Address, transfer.To)
	assert.Equal(t, big.NewInt(7), transfer.Value)
	assert.Equal(t, LendGasLimit, transfer.GasLimit)
	assert.True(t, fake.Snapshot(1).Approval[lender])
}

func TestExecute_FullSaleFinalizes(t *testing.T) {
	fake, seq := newFixture()
	ctx := context.Background()

	for _, tc := range []struct {
		account common.Address
		action  model.Action
	}{
		{buyer, model.ActionBuy},
		{inspector, model.ActionInspect},
		{lender, model.ActionLend},
		{seller, model.ActionSell},
	} {
		res, err := seq.Execute(ctx, &chaintest.Signer{Addr: tc.account}, 1, tc.action)
		require.NoError(t, err, tc.action)
		require.True(t, res.Completed, tc.action)
	}

	l := fake.Snapshot(1)
	assert.False(t, l.IsListed)
	assert.Equal(t, big.NewInt(10), l.Balance)
}

func TestExecute_FailureKeepsConfirmedSteps(t *testing.T) {
	fake, seq := newFixture()
	fake.Revert["approveSale"] = true

	res, err := seq.Execute(context.Background(), &chaintest.Signer{Addr: buyer}, 1, model.ActionBuy)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrTransactionReverted))

	var stepErr *model.StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, model.StepApproveSale, stepErr.Step)
	assert.Equal(t, model.ActionBuy, stepErr.Action)
	assert.NotEmpty(t, stepErr.TxHash)

	require.NotNil(t, res)
	assert.False(t, res.Completed)
	assert.Equal(t, []model.Step{model.StepDepositEarnest}, steps(res))

	// 確定済みの手付金は戻らない
	assert.Equal(t, big.NewInt(3), fake.Snapshot(1).Balance)
}

func TestExecute_SellRevertsWithoutOtherApprovals(t *testing.T) {
	fake, seq := newFixture()

	res, err := seq.Execute(context.Background(), &chaintest.Signer{Addr: seller}, 1, model.ActionSell)
	require.Error(t, err)

	var stepErr *model.StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, model.StepFinalizeSale, stepErr.Step)
	assert.Equal(t, []model.Step{model.StepApproveSale}, steps(res))
	assert.True(t, fake.Snapshot(1).IsListed)
}

func TestExecute_SignerRejectionStopsBeforeSubmit(t *testing.T) {
	fake, seq := newFixture()

	res, err := seq.Execute(context.Background(), &chaintest.Signer{Addr: buyer, Reject: true}, 1, model.ActionBuy)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrTransactionRejected))

	var stepErr *model.StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, model.StepDepositEarnest, stepErr.Step)
	assert.Empty(t, stepErr.TxHash)
	assert.Empty(t, res.Confirmed)
	assert.Empty(t, fake.Sent)
}

func TestExecute_ReadFailureIsReportedAsStep(t *testing.T) {
	fake, seq := newFixture()
	fake.ReadFailures["escrowAmount"] = 1

	_, err := seq.Execute(context.Background(), &chaintest.Signer{Addr: buyer}, 1, model.ActionBuy)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrChainRead))

	var stepErr *model.StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, model.StepReadEscrowAmount, stepErr.Step)
	assert.Empty(t, fake.Sent)
}

func TestExecute_RejectsUnknownAction(t *testing.T) {
	_, seq := newFixture()

	_, err := seq.Execute(context.Background(), &chaintest.Signer{Addr: buyer}, 1, model.ActionNone)
	assert.ErrorIs(t, err, model.ErrNoEligibleAction)
	assert.False(t, seq.InFlight(1))
}

type blockingEscrow struct {
	*chaintest.Escrow
	entered chan uint64
	release chan struct{}
}

func (b *blockingEscrow) WaitConfirmed(ctx context.Context, pending *chain.PendingTx) (*types.Receipt, error) {
	b.entered <- pending.Nonce
	<-b.release
	return b.Escrow.WaitConfirmed(ctx, pending)
}

func TestExecute_RejectsSecondActionOnSameListing(t *testing.T) {
	fake := chaintest.NewEscrow(seller, lender, inspector)
	fake.List(1, buyer, 10, 3)
	fake.List(2, buyer, 20, 5)
	blocking := &blockingEscrow{Escrow: fake, entered: make(chan uint64, 2), release: make(chan struct{})}
	seq := NewSequencer(blocking, logging.Discard())
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i, id := range []uint64{1, 2} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, results[i] = seq.Execute(ctx, &chaintest.Signer{Addr: inspector}, id, model.ActionInspect)
		}()
	}
	<-blocking.entered
	<-blocking.entered

	assert.True(t, seq.InFlight(1))
	_, err := seq.Execute(ctx, &chaintest.Signer{Addr: buyer}, 1, model.ActionBuy)
	assert.ErrorIs(t, err, model.ErrActionInFlight)

	close(blocking.release)
	wg.Wait()

	assert.NoError(t, results[0])
	assert.NoError(t, results[1])
	assert.False(t, seq.InFlight(1))
	assert.True(t, fake.Snapshot(1).InspectionPassed)
	assert.True(t, fake.Snapshot(2).InspectionPassed)
}
