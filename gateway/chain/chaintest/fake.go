// Package chaintest はエスクローコントラクトを模したテスト用のフェイク
package chaintest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"millow-back-onchain/gateway/chain"
	"millow-back-onchain/model"
)

// Listing はフェイク上の物件ごとの状態
type Listing struct {
	Buyer            common.Address
	PurchasePrice    *big.Int
	EscrowAmount     *big.Int
	IsListed         bool
	InspectionPassed bool
	Approval         map[common.Address]bool
	Balance          *big.Int
}

// SentTx は送信された書き込みの記録
type SentTx struct {
	Method   string
	From     common.Address
	To       common.Address
	Value    *big.Int
	GasLimit uint64
	Hash     common.Hash
}

type pendingTx struct {
	sent   SentTx
	apply  func() error
	waited bool
}

// Escrow はエスクローコントラクトのフェイク。書き込みの効果は WaitConfirmed で反映される
type Escrow struct {
	mu sync.Mutex

	Address       common.Address
	SellerAddr    common.Address
	LenderAddr    common.Address
	InspectorAddr common.Address
	Listings      map[uint64]*Listing

	// ReadFailures はメソッド名ごとに残り何回読み取りを失敗させるか
	ReadFailures map[string]int
	// SubmitErrors はメソッド名ごとの送信エラー
	SubmitErrors map[string]error
	// Revert はメソッド名ごとに確定時にリバートさせるか
	Revert map[string]bool

	Reads []string
	Sent  []SentTx

	pending map[common.Hash]*pendingTx
	block   uint64
}

var (
	_ chain.EscrowReader = (*Escrow)(nil)
	_ chain.EscrowWriter = (*Escrow)(nil)
)

// NewEscrow はロールを設定したフェイクを作成
func NewEscrow(seller, lender, inspector common.Address) *Escrow {
	return &Escrow{
		Address:       common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512"),
		SellerAddr:    seller,
		LenderAddr:    lender,
		InspectorAddr: inspector,
		Listings:      map[uint64]*Listing{},
		ReadFailures:  map[string]int{},
		SubmitErrors:  map[string]error{},
		Revert:        map[string]bool{},
		pending:       map[common.Hash]*pendingTx{},
	}
}

// List は物件を出品状態で登録する
func (e *Escrow) List(id uint64, buyer common.Address, purchasePrice, escrowAmount int64) *Listing {
	e.mu.Lock()
	defer e.mu.Unlock()
	l := &Listing{
		Buyer:         buyer,
		PurchasePrice: big.NewInt(purchasePrice),
		EscrowAmount:  big.NewInt(escrowAmount),
		IsListed:      true,
		Approval:      map[common.Address]bool{},
		Balance:       new(big.Int),
	}
	e.Listings[id] = l
	return l
}

// Snapshot は物件状態のコピーを返す
func (e *Escrow) Snapshot(id uint64) Listing {
	e.mu.Lock()
	defer e.mu.Unlock()
	l := e.listing(id)
	approval := make(map[common.Address]bool, len(l.Approval))
	for k, v := range l.Approval {
		approval[k] = v
	}
	cp := *l
	cp.Approval = approval
	cp.Balance = new(big.Int).Set(l.Balance)
	return cp
}

// SentMethods は送信済みの書き込みのメソッド名を順に返す
func (e *Escrow) SentMethods() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.Sent))
	for i, s := range e.Sent {
		out[i] = s.Method
	}
	return out
}

// ReadCount はメソッドの読み取り回数
func (e *Escrow) ReadCount(method string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, m := range e.Reads {
		if m == method {
			n++
		}
	}
	return n
}

func (e *Escrow) listing(id uint64) *Listing {
	l, ok := e.Listings[id]
	if !ok {
		l = &Listing{
			PurchasePrice: new(big.Int),
			EscrowAmount:  new(big.Int),
			Approval:      map[common.Address]bool{},
			Balance:       new(big.Int),
		}
		e.Listings[id] = l
	}
	return l
}

func (e *Escrow) read(method string) error {
	e.Reads = append(e.Reads, method)
	if n := e.ReadFailures[method]; n > 0 {
		e.ReadFailures[method] = n - 1
		return &model.ChainReadError{Method: method, Err: errors.New("connection reset")}
	}
	return nil
}

// ===============================================
// 読み取り
// ===============================================

func (e *Escrow) Buyer(ctx context.Context, id uint64) (common.Address, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.read("buyer"); err != nil {
		return common.Address{}, err
	}
	return e.listing(id).Buyer, nil
}

func (e *Escrow) Seller(ctx context.Context) (common.Address, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.read("seller"); err != nil {
		return common.Address{}, err
	}
	return e.SellerAddr, nil
}

func (e *Escrow) Lender(ctx context.Context) (common.Address, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.read("lender"); err != nil {
		return common.Address{}, err
	}
	return e.LenderAddr, nil
}

func (e *Escrow) Inspector(ctx context.Context) (common.Address, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.read("inspector"); err != nil {
		return common.Address{}, err
	}
	return e.InspectorAddr, nil
}

func (e *Escrow) Approval(ctx context.Context, id uint64, account common.Address) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.read("approval"); err != nil {
		return false, err
	}
	return e.listing(id).Approval[account], nil
}

func (e *Escrow) InspectionPassed(ctx context.Context, id uint64) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.read("inspectionPassed"); err != nil {
		return false, err
	}
	return e.listing(id).InspectionPassed, nil
}

func (e *Escrow) IsListed(ctx context.Context, id uint64) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.read("isListed"); err != nil {
		return false, err
	}
	return e.listing(id).IsListed, nil
}

func (e *Escrow) EscrowAmount(ctx context.Context, id uint64) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.read("escrowAmount"); err != nil {
		return nil, err
	}
	return new(big.Int).Set(e.listing(id).EscrowAmount), nil
}

func (e *Escrow) PurchasePrice(ctx context.Context, id uint64) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.read("purchasePrice"); err != nil {
		return nil, err
	}
	return new(big.Int).Set(e.listing(id).PurchasePrice), nil
}

// ===============================================
// 書き込み（コントラクトのルールを確定時に適用）
// ===============================================

func (e *Escrow) EscrowAddress() common.Address {
	return e.Address
}

func (e *Escrow) DepositEarnest(ctx context.Context, signer chain.Signer, id uint64, value *big.Int) (*chain.PendingTx, error) {
	from := signer.Address()
	return e.submit(ctx, signer, "depositEarnest", e.Address, value, 0, func() error {
		l := e.listing(id)
		if from != l.Buyer {
			return errors.New("only buyer can call this method")
		}
		if value.Cmp(l.EscrowAmount) < 0 {
			return errors.New("insufficient earnest deposit")
		}
		l.Balance.Add(l.Balance, value)
		return nil
	})
}

func (e *Escrow) ApproveSale(ctx context.Context, signer chain.Signer, id uint64) (*chain.PendingTx, error) {
	from := signer.Address()
	return e.submit(ctx, signer, "approveSale", e.Address, nil, 0, func() error {
		e.listing(id).Approval[from] = true
		return nil
	})
}

func (e *Escrow) UpdateInspectionStatus(ctx context.Context, signer chain.Signer, id uint64, passed bool) (*chain.PendingTx, error) {
	from := signer.Address()
	return e.submit(ctx, signer, "updateInspectionStatus", e.Address, nil, 0, func() error {
		if from != e.InspectorAddr {
			return errors.New("only inspector can call this method")
		}
		e.listing(id).InspectionPassed = passed
		return nil
	})
}

func (e *Escrow) FinalizeSale(ctx context.Context, signer chain.Signer, id uint64) (*chain.PendingTx, error) {
	return e.submit(ctx, signer, "finalizeSale", e.Address, nil, 0, func() error {
		l := e.listing(id)
		switch {
		case !l.InspectionPassed:
			return errors.New("inspection not passed")
		case !l.Approval[l.Buyer], !l.Approval[e.SellerAddr], !l.Approval[e.LenderAddr]:
			return errors.New("sale not approved by all parties")
		case l.Balance.Cmp(l.PurchasePrice) < 0:
			return errors.New("escrow underfunded")
		}
		l.IsListed = false
		return nil
	})
}

// SendValue はエスクローアドレスへの送金を全物件共通の残高ではなく、
// 唯一の出品中物件の残高に加算する（テスト用の単純化）
func (e *Escrow) SendValue(ctx context.Context, signer chain.Signer, to common.Address, value *big.Int, gasLimit uint64) (*chain.PendingTx, error) {
	return e.submit(ctx, signer, "transfer", to, value, gasLimit, func() error {
		if to != e.Address {
			return nil
		}
		for _, l := range e.Listings {
			if l.IsListed {
				l.Balance.Add(l.Balance, value)
				return nil
			}
		}
		return nil
	})
}

func (e *Escrow) submit(ctx context.Context, signer chain.Signer, method string, to common.Address, value *big.Int, gasLimit uint64, apply func() error) (*chain.PendingTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if value == nil {
		value = new(big.Int)
	}

	tx := types.NewTx(&types.DynamicFeeTx{ChainID: big.NewInt(31337), To: &to, Value: value, Gas: gasLimit})
	if _, err := signer.SignTx(ctx, tx, big.NewInt(31337)); err != nil {
		return nil, fmt.Errorf("%w: %s: sign: %w", model.ErrTransactionRejected, method, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.SubmitErrors[method]; err != nil {
		return nil, fmt.Errorf("%w: %s: %w", model.ErrTransactionRejected, method, err)
	}

	e.block++
	hash := common.BigToHash(new(big.Int).SetUint64(e.block))
	sent := SentTx{
		Method:   method,
		From:     signer.Address(),
		To:       to,
		Value:    new(big.Int).Set(value),
		GasLimit: gasLimit,
		Hash:     hash,
	}
	e.Sent = append(e.Sent, sent)
	e.pending[hash] = &pendingTx{sent: sent, apply: apply}

	return &chain.PendingTx{Hash: hash, From: sent.From, Nonce: e.block}, nil
}

func (e *Escrow) WaitConfirmed(ctx context.Context, pending *chain.PendingTx) (*types.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.pending[pending.Hash]
	if !ok {
		return nil, fmt.Errorf("unknown transaction %s", pending.Hash.Hex())
	}
	receipt := &types.Receipt{
		TxHash:      pending.Hash,
		BlockNumber: new(big.Int).SetUint64(e.block),
		GasUsed:     21000,
		Status:      types.ReceiptStatusSuccessful,
	}
	if p.waited {
		return receipt, nil
	}
	p.waited = true

	if e.Revert[p.sent.Method] {
		receipt.Status = types.ReceiptStatusFailed
		return receipt, fmt.Errorf("%w: %s", model.ErrTransactionReverted, p.sent.Method)
	}
	if err := p.apply(); err != nil {
		receipt.Status = types.ReceiptStatusFailed
		return receipt, fmt.Errorf("%w: %s: %v", model.ErrTransactionReverted, p.sent.Method, err)
	}
	return receipt, nil
}

// Signer はテスト用の署名者
type Signer struct {
	Addr   common.Address
	Reject bool
}

func (s *Signer) Address() common.Address { return s.Addr }

func (s *Signer) SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if s.Reject {
		return nil, errors.New("user rejected the request")
	}
	return tx, nil
}
