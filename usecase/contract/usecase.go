package usecase

import (
	"context"
	"log/slog"

	"github.com/ethereum/go-ethereum/core/types"

	"millow-back-onchain/model"
)

// ChainInfo はネットワーク情報とトランザクション検証を提供するゲートウェイ
type ChainInfo interface {
	Network() model.NetworkInfo
	LatestBlock(ctx context.Context) (*types.Header, error)
	VerifyTransaction(ctx context.Context, txHash string) (*model.TxVerification, error)
}

// Health はノード接続の状態
type Health struct {
	Status      string `json:"status"`
	ChainID     string `json:"chain_id"`
	LatestBlock uint64 `json:"latest_block,omitempty"`
	Error       string `json:"error,omitempty"`
}

// ContractUsecase はコントラクト接続まわりのビジネスロジック
type ContractUsecase interface {
	// Network は接続中のネットワークとコントラクトアドレスを返す
	Network() model.NetworkInfo

	// Health はノードから最新ブロックを取得して接続状態を返す
	Health(ctx context.Context) Health

	// VerifyTransaction はトランザクションを検証
	VerifyTransaction(ctx context.Context, txHash string) (*model.TxVerification, error)
}

type contractUsecase struct {
	chain  ChainInfo
	logger *slog.Logger
}

func NewContractUsecase(chain ChainInfo, logger *slog.Logger) *contractUsecase {
	if logger == nil {
		logger = slog.Default()
	}
	return &contractUsecase{
		chain:  chain,
		logger: logger,
	}
}

func (uc *contractUsecase) Network() model.NetworkInfo {
	return uc.chain.Network()
}

func (uc *contractUsecase) Health(ctx context.Context) Health {
	h := Health{Status: "ok", ChainID: uc.chain.Network().ChainID.String()}
	head, err := uc.chain.LatestBlock(ctx)
	if err != nil {
		uc.logger.Warn("health check: latest block unavailable", "error", err)
		h.Status = "degraded"
		h.Error = err.Error()
		return h
	}
	h.LatestBlock = head.Number.Uint64()
	return h
}

// VerifyTransaction はトランザクションを検証
func (uc *contractUsecase) VerifyTransaction(ctx context.Context, txHash string) (*model.TxVerification, error) {
	v, err := uc.chain.VerifyTransaction(ctx, txHash)
	if err != nil {
		return nil, err
	}
	uc.logger.Info("transaction verified", "tx_hash", txHash, "status", v.Status, "escrow_call", v.IsContractCall)
	return v, nil
}
