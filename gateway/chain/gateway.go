package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"millow-back-onchain/metrics"
	"millow-back-onchain/model"
)

const (
	// DefaultPollInterval はレシート確認の間隔
	DefaultPollInterval = 2 * time.Second

	// DefaultConfirmationTimeout は確定待ちの上限（0で無制限）
	DefaultConfirmationTimeout = 2 * time.Minute
)

// EthClient は ethclient.Client のうち利用するメソッド（テスト用に抽象化）
type EthClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	Close()
}

// Signer は書き込み呼び出しに署名するアイデンティティ
type Signer interface {
	Address() common.Address
	SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// PendingTx は送信済みで未確定のトランザクション
type PendingTx struct {
	Hash  common.Hash
	From  common.Address
	Nonce uint64
}

// RegistryReader は物件NFTコントラクトの読み取り
type RegistryReader interface {
	TotalSupply(ctx context.Context) (uint64, error)
	TokenURI(ctx context.Context, tokenID uint64) (string, error)
}

// EscrowReader はエスクローコントラクトの読み取り（副作用なし、リトライ可）
type EscrowReader interface {
	Buyer(ctx context.Context, listingID uint64) (common.Address, error)
	Seller(ctx context.Context) (common.Address, error)
	Lender(ctx context.Context) (common.Address, error)
	Inspector(ctx context.Context) (common.Address, error)
	Approval(ctx context.Context, listingID uint64, account common.Address) (bool, error)
	InspectionPassed(ctx context.Context, listingID uint64) (bool, error)
	IsListed(ctx context.Context, listingID uint64) (bool, error)
	EscrowAmount(ctx context.Context, listingID uint64) (*big.Int, error)
	PurchasePrice(ctx context.Context, listingID uint64) (*big.Int, error)
}

// EscrowWriter はエスクローへの書き込み。返された PendingTx は WaitConfirmed で確定を待つ
type EscrowWriter interface {
	DepositEarnest(ctx context.Context, signer Signer, listingID uint64, value *big.Int) (*PendingTx, error)
	ApproveSale(ctx context.Context, signer Signer, listingID uint64) (*PendingTx, error)
	UpdateInspectionStatus(ctx context.Context, signer Signer, listingID uint64, passed bool) (*PendingTx, error)
	FinalizeSale(ctx context.Context, signer Signer, listingID uint64) (*PendingTx, error)
	SendValue(ctx context.Context, signer Signer, to common.Address, value *big.Int, gasLimit uint64) (*PendingTx, error)
	WaitConfirmed(ctx context.Context, pending *PendingTx) (*types.Receipt, error)
	EscrowAddress() common.Address
}

// Option は Gateway の設定
type Option func(*Gateway)

// WithPollInterval はレシート確認の間隔を設定
func WithPollInterval(d time.Duration) Option {
	return func(g *Gateway) { g.pollInterval = d }
}

// WithConfirmationTimeout は確定待ちの上限を設定（0で無制限）
func WithConfirmationTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.confirmTimeout = d }
}

// WithLogger はロガーを設定
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) { g.logger = logger }
}

// Gateway は物件NFTとエスクローの2コントラクトへのアクセスを担当
type Gateway struct {
	client         EthClient
	chainID        *big.Int
	registry       common.Address
	escrow         common.Address
	registryABI    abi.ABI
	escrowABI      abi.ABI
	pollInterval   time.Duration
	confirmTimeout time.Duration
	logger         *slog.Logger
}

var (
	_ RegistryReader = (*Gateway)(nil)
	_ EscrowReader   = (*Gateway)(nil)
	_ EscrowWriter   = (*Gateway)(nil)
)

// Dial はRPCに接続してネットワークを解決する
func Dial(ctx context.Context, rpcURL string, networks map[uint64]model.NetworkContracts, opts ...Option) (*Gateway, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rpcURL, err)
	}
	g, err := New(ctx, client, networks, opts...)
	if err != nil {
		client.Close()
		return nil, err
	}
	return g, nil
}

// New は接続中チェーンのIDを取得し、設定からコントラクトアドレスを引く。
// 設定がなければ *model.UnknownNetworkError を返す
func New(ctx context.Context, client EthClient, networks map[uint64]model.NetworkContracts, opts ...Option) (*Gateway, error) {
	registryABI, err := abi.JSON(strings.NewReader(RealEstateABI))
	if err != nil {
		return nil, fmt.Errorf("parse registry ABI: %w", err)
	}
	escrowABI, err := abi.JSON(strings.NewReader(EscrowABI))
	if err != nil {
		return nil, fmt.Errorf("parse escrow ABI: %w", err)
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, &model.ChainReadError{Method: "eth_chainId", Err: err}
	}

	if !chainID.IsUint64() {
		return nil, &model.UnknownNetworkError{ChainID: chainID}
	}
	contracts, ok := networks[chainID.Uint64()]
	if !ok {
		return nil, &model.UnknownNetworkError{ChainID: chainID}
	}

	g := &Gateway{
		client:         client,
		chainID:        chainID,
		registry:       contracts.Registry,
		escrow:         contracts.Escrow,
		registryABI:    registryABI,
		escrowABI:      escrowABI,
		pollInterval:   DefaultPollInterval,
		confirmTimeout: DefaultConfirmationTimeout,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}

	if g.registry == (common.Address{}) || g.escrow == (common.Address{}) {
		g.logger.Warn("contract address appears to be zero address",
			"chain_id", chainID.String(), "registry", g.registry.Hex(), "escrow", g.escrow.Hex())
	}
	g.logger.Info("chain gateway initialized",
		"chain_id", chainID.String(), "registry", g.registry.Hex(), "escrow", g.escrow.Hex())

	return g, nil
}

// Network は接続中のネットワーク情報を返す
func (g *Gateway) Network() model.NetworkInfo {
	return model.NetworkInfo{
		ChainID:         new(big.Int).Set(g.chainID),
		RegistryAddress: g.registry,
		EscrowAddress:   g.escrow,
	}
}

// EscrowAddress はエスクローコントラクトのアドレスを返す
func (g *Gateway) EscrowAddress() common.Address {
	return g.escrow
}

// LatestBlock は最新のブロックヘッダーを取得
func (g *Gateway) LatestBlock(ctx context.Context) (*types.Header, error) {
	header, err := g.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, &model.ChainReadError{Method: "eth_getBlockByNumber", Err: err}
	}
	return header, nil
}

// Close はクライアント接続を閉じる
func (g *Gateway) Close() {
	g.client.Close()
}

// ===============================================
// 読み取り
// ===============================================

// call はABIでエンコードして eth_call し、最初の戻り値を返す
func (g *Gateway) call(ctx context.Context, to common.Address, contractABI abi.ABI, method string, args ...interface{}) (interface{}, error) {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, &model.ChainReadError{Method: method, Err: err}
	}

	result, err := g.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		metrics.ChainReadsTotal.WithLabelValues(method, "error").Inc()
		g.logger.Debug("contract call failed", "method", method, "error", err)
		return nil, &model.ChainReadError{Method: method, Err: err}
	}

	out, err := contractABI.Unpack(method, result)
	if err != nil {
		metrics.ChainReadsTotal.WithLabelValues(method, "error").Inc()
		return nil, &model.ChainReadError{Method: method, Err: err}
	}
	if len(out) == 0 {
		metrics.ChainReadsTotal.WithLabelValues(method, "error").Inc()
		return nil, &model.ChainReadError{Method: method, Err: errors.New("empty return data")}
	}

	metrics.ChainReadsTotal.WithLabelValues(method, "ok").Inc()
	return out[0], nil
}

func (g *Gateway) callAddress(ctx context.Context, method string, args ...interface{}) (common.Address, error) {
	v, err := g.call(ctx, g.escrow, g.escrowABI, method, args...)
	if err != nil {
		return common.Address{}, err
	}
	addr, ok := v.(common.Address)
	if !ok {
		return common.Address{}, &model.ChainReadError{Method: method, Err: fmt.Errorf("unexpected return type %T", v)}
	}
	return addr, nil
}

func (g *Gateway) callBool(ctx context.Context, method string, args ...interface{}) (bool, error) {
	v, err := g.call(ctx, g.escrow, g.escrowABI, method, args...)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, &model.ChainReadError{Method: method, Err: fmt.Errorf("unexpected return type %T", v)}
	}
	return b, nil
}

func (g *Gateway) callBig(ctx context.Context, to common.Address, contractABI abi.ABI, method string, args ...interface{}) (*big.Int, error) {
	v, err := g.call(ctx, to, contractABI, method, args...)
	if err != nil {
		return nil, err
	}
	n, ok := v.(*big.Int)
	if !ok {
		return nil, &model.ChainReadError{Method: method, Err: fmt.Errorf("unexpected return type %T", v)}
	}
	return n, nil
}

// TotalSupply は発行済み物件トークン数を取得
func (g *Gateway) TotalSupply(ctx context.Context) (uint64, error) {
	n, err := g.callBig(ctx, g.registry, g.registryABI, "totalSupply")
	if err != nil {
		return 0, err
	}
	if !n.IsUint64() {
		return 0, &model.ChainReadError{Method: "totalSupply", Err: fmt.Errorf("supply %s out of range", n)}
	}
	return n.Uint64(), nil
}

// TokenURI はトークンのメタデータURIを取得
func (g *Gateway) TokenURI(ctx context.Context, tokenID uint64) (string, error) {
	v, err := g.call(ctx, g.registry, g.registryABI, "tokenURI", new(big.Int).SetUint64(tokenID))
	if err != nil {
		return "", err
	}
	uri, ok := v.(string)
	if !ok {
		return "", &model.ChainReadError{Method: "tokenURI", Err: fmt.Errorf("unexpected return type %T", v)}
	}
	return uri, nil
}

func (g *Gateway) Buyer(ctx context.Context, listingID uint64) (common.Address, error) {
	return g.callAddress(ctx, "buyer", new(big.Int).SetUint64(listingID))
}

func (g *Gateway) Seller(ctx context.Context) (common.Address, error) {
	return g.callAddress(ctx, "seller")
}

func (g *Gateway) Lender(ctx context.Context) (common.Address, error) {
	return g.callAddress(ctx, "lender")
}

func (g *Gateway) Inspector(ctx context.Context) (common.Address, error) {
	return g.callAddress(ctx, "inspector")
}

// Approval は account が listingID の売買を承認済みかを返す
func (g *Gateway) Approval(ctx context.Context, listingID uint64, account common.Address) (bool, error) {
	return g.callBool(ctx, "approval", new(big.Int).SetUint64(listingID), account)
}

func (g *Gateway) InspectionPassed(ctx context.Context, listingID uint64) (bool, error) {
	return g.callBool(ctx, "inspectionPassed", new(big.Int).SetUint64(listingID))
}

func (g *Gateway) IsListed(ctx context.Context, listingID uint64) (bool, error) {
	return g.callBool(ctx, "isListed", new(big.Int).SetUint64(listingID))
}

// EscrowAmount は手付金の必要額 (wei)
func (g *Gateway) EscrowAmount(ctx context.Context, listingID uint64) (*big.Int, error) {
	return g.callBig(ctx, g.escrow, g.escrowABI, "escrowAmount", new(big.Int).SetUint64(listingID))
}

// PurchasePrice は購入価格 (wei)
func (g *Gateway) PurchasePrice(ctx context.Context, listingID uint64) (*big.Int, error) {
	return g.callBig(ctx, g.escrow, g.escrowABI, "purchasePrice", new(big.Int).SetUint64(listingID))
}

// ===============================================
// 書き込み
// ===============================================

func (g *Gateway) DepositEarnest(ctx context.Context, signer Signer, listingID uint64, value *big.Int) (*PendingTx, error) {
	return g.transactEscrow(ctx, signer, value, "depositEarnest", new(big.Int).SetUint64(listingID))
}

func (g *Gateway) ApproveSale(ctx context.Context, signer Signer, listingID uint64) (*PendingTx, error) {
	return g.transactEscrow(ctx, signer, nil, "approveSale", new(big.Int).SetUint64(listingID))
}

func (g *Gateway) UpdateInspectionStatus(ctx context.Context, signer Signer, listingID uint64, passed bool) (*PendingTx, error) {
	return g.transactEscrow(ctx, signer, nil, "updateInspectionStatus", new(big.Int).SetUint64(listingID), passed)
}

func (g *Gateway) FinalizeSale(ctx context.Context, signer Signer, listingID uint64) (*PendingTx, error) {
	return g.transactEscrow(ctx, signer, nil, "finalizeSale", new(big.Int).SetUint64(listingID))
}

// SendValue は calldata なしでETHを送金する。gasLimit が 0 なら見積もる
func (g *Gateway) SendValue(ctx context.Context, signer Signer, to common.Address, value *big.Int, gasLimit uint64) (*PendingTx, error) {
	return g.submit(ctx, signer, "transfer", to, value, nil, gasLimit)
}

func (g *Gateway) transactEscrow(ctx context.Context, signer Signer, value *big.Int, method string, args ...interface{}) (*PendingTx, error) {
	data, err := g.escrowABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	return g.submit(ctx, signer, method, g.escrow, value, data, 0)
}

// submit はEIP-1559トランザクションを組み立て、署名して送信する
func (g *Gateway) submit(ctx context.Context, signer Signer, label string, to common.Address, value *big.Int, data []byte, gasLimit uint64) (*PendingTx, error) {
	if value == nil {
		value = new(big.Int)
	}
	from := signer.Address()

	nonce, err := g.client.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("%s: nonce: %w", label, err)
	}

	tip, err := g.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: gas tip: %w", label, err)
	}

	head, err := g.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: latest header: %w", label, err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	if gasLimit == 0 {
		gasLimit, err = g.client.EstimateGas(ctx, ethereum.CallMsg{
			From:  from,
			To:    &to,
			Value: value,
			Data:  data,
		})
		if err != nil {
			// 見積もり失敗はコントラクト側で拒否される呼び出し
			metrics.TxSubmissionsTotal.WithLabelValues(label, "rejected").Inc()
			return nil, fmt.Errorf("%w: %s: estimate gas: %w", model.ErrTransactionRejected, label, err)
		}
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   g.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &to,
		Value:     value,
		Data:      data,
	})

	signed, err := signer.SignTx(ctx, tx, g.chainID)
	if err != nil {
		metrics.TxSubmissionsTotal.WithLabelValues(label, "rejected").Inc()
		return nil, fmt.Errorf("%w: %s: sign: %w", model.ErrTransactionRejected, label, err)
	}

	if err := g.client.SendTransaction(ctx, signed); err != nil {
		metrics.TxSubmissionsTotal.WithLabelValues(label, "rejected").Inc()
		return nil, fmt.Errorf("%w: %s: send: %w", model.ErrTransactionRejected, label, err)
	}

	metrics.TxSubmissionsTotal.WithLabelValues(label, "sent").Inc()
	g.logger.Debug("transaction sent",
		"method", label, "tx_hash", signed.Hash().Hex(), "from", from.Hex(), "nonce", nonce, "gas", gasLimit)

	return &PendingTx{Hash: signed.Hash(), From: from, Nonce: nonce}, nil
}

// WaitConfirmed はレシートが取得できるまでポーリングする。
// status 0 は model.ErrTransactionReverted を返す
func (g *Gateway) WaitConfirmed(ctx context.Context, pending *PendingTx) (*types.Receipt, error) {
	start := time.Now()
	if g.confirmTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.confirmTimeout)
		defer cancel()
	}

	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := g.client.TransactionReceipt(ctx, pending.Hash)
		switch {
		case err == nil:
			metrics.ConfirmationDuration.Observe(time.Since(start).Seconds())
			if receipt.Status != types.ReceiptStatusSuccessful {
				return receipt, fmt.Errorf("%w: tx %s in block %s", model.ErrTransactionReverted, pending.Hash.Hex(), receipt.BlockNumber)
			}
			return receipt, nil
		case errors.Is(err, ethereum.NotFound):
			// 未マイニング
		default:
			g.logger.Warn("receipt lookup failed, retrying", "tx_hash", pending.Hash.Hex(), "error", err)
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: tx %s", model.ErrConfirmationTimeout, pending.Hash.Hex())
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// VerifyTransaction はトランザクションを検証
func (g *Gateway) VerifyTransaction(ctx context.Context, txHash string) (*model.TxVerification, error) {
	txHashObj := common.HexToHash(txHash)
	if !isHexHash(txHash) || txHashObj == (common.Hash{}) {
		return nil, model.ErrInvalidTxHash
	}

	tx, isPending, err := g.client.TransactionByHash(ctx, txHashObj)
	if errors.Is(err, ethereum.NotFound) {
		return nil, fmt.Errorf("%w: %s", model.ErrTxNotFound, txHash)
	}
	if err != nil {
		return nil, &model.ChainReadError{Method: "eth_getTransactionByHash", Err: err}
	}

	if isPending {
		return &model.TxVerification{
			TxHash:  txHash,
			Status:  "pending",
			Success: false,
		}, nil
	}

	receipt, err := g.client.TransactionReceipt(ctx, txHashObj)
	if err != nil {
		return nil, &model.ChainReadError{Method: "eth_getTransactionReceipt", Err: err}
	}

	verification := &model.TxVerification{
		TxHash:      txHash,
		BlockNumber: receipt.BlockNumber.Uint64(),
		GasUsed:     receipt.GasUsed,
		Success:     receipt.Status == types.ReceiptStatusSuccessful,
	}

	if receipt.Status == types.ReceiptStatusSuccessful {
		verification.Status = "success"
	} else {
		verification.Status = "failed"
	}

	// エスクローコントラクト呼び出しかどうかを確認
	if tx.To() != nil && *tx.To() == g.escrow {
		verification.IsContractCall = true
	}

	return verification, nil
}

func isHexHash(s string) bool {
	s = strings.TrimPrefix(s, "0x")
	if len(s) != 2*common.HashLength {
		return false
	}
	for _, c := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}
