package transaction

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/core/types"

	"millow-back-onchain/gateway/chain"
	"millow-back-onchain/metrics"
	"millow-back-onchain/model"
)

// LendGasLimit は融資送金（calldataなし）のガス上限
const LendGasLimit uint64 = 60000

// Escrow はシーケンサーが使うエスクローの読み書き
type Escrow interface {
	chain.EscrowReader
	chain.EscrowWriter
}

// Sequencer はロールごとのアクションを順序付きのトランザクション列として実行する
type Sequencer struct {
	escrow Escrow
	logger *slog.Logger

	mu       sync.Mutex
	inFlight map[uint64]model.Action
}

// NewSequencer はシーケンサーを作成
func NewSequencer(escrow Escrow, logger *slog.Logger) *Sequencer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sequencer{
		escrow:   escrow,
		logger:   logger,
		inFlight: make(map[uint64]model.Action),
	}
}

// InFlight は listingID でアクション実行中かどうかを返す
func (s *Sequencer) InFlight(listingID uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inFlight[listingID]
	return ok
}

func (s *Sequencer) acquire(listingID uint64, action model.Action) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inFlight[listingID]; ok {
		return false
	}
	s.inFlight[listingID] = action
	metrics.ActionsInFlight.Inc()
	return true
}

func (s *Sequencer) release(listingID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, listingID)
	metrics.ActionsInFlight.Dec()
}

// Execute はアクションを実行する。各ステップは確定を確認してから次を送信する。
// 失敗時は確定済みステップを含む結果と *model.StepError を返す（ロールバックはしない）
func (s *Sequencer) Execute(ctx context.Context, signer chain.Signer, listingID uint64, action model.Action) (*model.ActionResult, error) {
	if !s.acquire(listingID, action) {
		return nil, model.ErrActionInFlight
	}
	defer s.release(listingID)

	run := &runner{
		escrow:    s.escrow,
		signer:    signer,
		logger:    s.logger.With("listing_id", listingID, "action", string(action), "account", signer.Address().Hex()),
		listingID: listingID,
		result:    &model.ActionResult{ListingID: listingID, Action: action},
	}

	var err error
	switch action {
	case model.ActionBuy:
		err = run.buy(ctx)
	case model.ActionInspect:
		err = run.inspect(ctx)
	case model.ActionLend:
		err = run.lend(ctx)
	case model.ActionSell:
		err = run.sell(ctx)
	default:
		return nil, fmt.Errorf("%w: unsupported action %q", model.ErrNoEligibleAction, action)
	}
	if err != nil {
		run.logger.Warn("action failed", "confirmed_steps", len(run.result.Confirmed), "error", err)
		return run.result, err
	}

	run.result.Completed = true
	run.logger.Info("action completed", "confirmed_steps", len(run.result.Confirmed))
	return run.result, nil
}

// runner は1回のアクション実行の状態
type runner struct {
	escrow    Escrow
	signer    chain.Signer
	logger    *slog.Logger
	listingID uint64
	result    *model.ActionResult
}

// buy: 手付金額を読む → 手付金を預ける → 売買を承認
func (r *runner) buy(ctx context.Context) error {
	amount, err := r.read(model.StepReadEscrowAmount, func() (*big.Int, error) {
		return r.escrow.EscrowAmount(ctx, r.listingID)
	})
	if err != nil {
		return err
	}

	if err := r.write(ctx, model.StepDepositEarnest, func() (*chain.PendingTx, error) {
		return r.escrow.DepositEarnest(ctx, r.signer, r.listingID, amount)
	}); err != nil {
		return err
	}

	return r.write(ctx, model.StepApproveSale, func() (*chain.PendingTx, error) {
		return r.escrow.ApproveSale(ctx, r.signer, r.listingID)
	})
}

// inspect: 検査合格を記録
func (r *runner) inspect(ctx context.Context) error {
	return r.write(ctx, model.StepUpdateInspection, func() (*chain.PendingTx, error) {
		return r.escrow.UpdateInspectionStatus(ctx, r.signer, r.listingID, true)
	})
}

// lend: 売買を承認 → 不足額 (購入価格 - 手付金) を読む → エスクローへ送金
func (r *runner) lend(ctx context.Context) error {
	if err := r.write(ctx, model.StepApproveSale, func() (*chain.PendingTx, error) {
		return r.escrow.ApproveSale(ctx, r.signer, r.listingID)
	}); err != nil {
		return err
	}

	shortfall, err := r.read(model.StepReadShortfall, func() (*big.Int, error) {
		price, err := r.escrow.PurchasePrice(ctx, r.listingID)
		if err != nil {
			return nil, err
		}
		amount, err := r.escrow.EscrowAmount(ctx, r.listingID)
		if err != nil {
			return nil, err
		}
		return new(big.Int).Sub(price, amount), nil
	})
	if err != nil {
		return err
	}
	if shortfall.Sign() < 0 {
		return &model.StepError{Action: r.result.Action, Step: model.StepReadShortfall,
			Err: fmt.Errorf("escrow amount exceeds purchase price by %s wei", new(big.Int).Neg(shortfall))}
	}

	return r.write(ctx, model.StepTransferLoan, func() (*chain.PendingTx, error) {
		return r.escrow.SendValue(ctx, r.signer, r.escrow.EscrowAddress(), shortfall, LendGasLimit)
	})
}

// sell: 売買を承認 → 売買を確定
func (r *runner) sell(ctx context.Context) error {
	if err := r.write(ctx, model.StepApproveSale, func() (*chain.PendingTx, error) {
		return r.escrow.ApproveSale(ctx, r.signer, r.listingID)
	}); err != nil {
		return err
	}

	return r.write(ctx, model.StepFinalizeSale, func() (*chain.PendingTx, error) {
		return r.escrow.FinalizeSale(ctx, r.signer, r.listingID)
	})
}

func (r *runner) read(step model.Step, fn func() (*big.Int, error)) (*big.Int, error) {
	v, err := fn()
	if err != nil {
		metrics.ActionStepsTotal.WithLabelValues(string(r.result.Action), string(step), "error").Inc()
		return nil, &model.StepError{Action: r.result.Action, Step: step, Err: err}
	}
	metrics.ActionStepsTotal.WithLabelValues(string(r.result.Action), string(step), "ok").Inc()
	return v, nil
}

// write は送信してレシートを待ち、確定したステップを結果に追加する
func (r *runner) write(ctx context.Context, step model.Step, send func() (*chain.PendingTx, error)) error {
	pending, err := send()
	if err != nil {
		metrics.ActionStepsTotal.WithLabelValues(string(r.result.Action), string(step), "rejected").Inc()
		return &model.StepError{Action: r.result.Action, Step: step, Err: err}
	}
	r.logger.Info("step submitted", "step", string(step), "tx_hash", pending.Hash.Hex())

	receipt, err := r.escrow.WaitConfirmed(ctx, pending)
	if err != nil {
		metrics.ActionStepsTotal.WithLabelValues(string(r.result.Action), string(step), "failed").Inc()
		return &model.StepError{Action: r.result.Action, Step: step, TxHash: pending.Hash.Hex(), Err: err}
	}

	metrics.ActionStepsTotal.WithLabelValues(string(r.result.Action), string(step), "confirmed").Inc()
	r.result.Confirmed = append(r.result.Confirmed, stepReceipt(step, receipt))
	r.logger.Info("step confirmed", "step", string(step), "tx_hash", receipt.TxHash.Hex(), "block", receipt.BlockNumber)
	return nil
}

func stepReceipt(step model.Step, receipt *types.Receipt) model.StepReceipt {
	sr := model.StepReceipt{
		Step:    step,
		TxHash:  receipt.TxHash.Hex(),
		GasUsed: receipt.GasUsed,
	}
	if receipt.BlockNumber != nil {
		sr.BlockNumber = receipt.BlockNumber.Uint64()
	}
	return sr
}
