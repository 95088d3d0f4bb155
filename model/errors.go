package model

import (
	"errors"
	"fmt"
	"math/big"
)

// エラー分類。呼び出し側は errors.Is / errors.As で判定する
var (
	ErrUnknownNetwork      = errors.New("unknown network")
	ErrChainRead           = errors.New("chain read failed")
	ErrMetadataFetch       = errors.New("metadata fetch failed")
	ErrInvalidMetadata     = errors.New("invalid listing metadata")
	ErrTransactionRejected = errors.New("transaction rejected")
	ErrTransactionReverted = errors.New("transaction reverted")
	ErrConfirmationTimeout = errors.New("transaction confirmation timed out")
	ErrWalletUnavailable   = errors.New("no wallet provider available")
	ErrNotConnected        = errors.New("no account connected")
	ErrActionInFlight      = errors.New("an action is already running for this listing")
	ErrNoEligibleAction    = errors.New("connected account has no role on this listing")
	ErrActionAlreadyDone   = errors.New("action already approved")
	ErrListingNotListed    = errors.New("listing is no longer on the market")
	ErrListingNotFound     = errors.New("listing not found")
	ErrInvalidTxHash       = errors.New("invalid transaction hash format")
	ErrTxNotFound          = errors.New("transaction not found")
)

// UnknownNetworkError は設定に存在しないチェーンIDを表す
type UnknownNetworkError struct {
	ChainID *big.Int
}

func (e *UnknownNetworkError) Error() string {
	return fmt.Sprintf("unknown network: no contract configuration for chain id %s", e.ChainID)
}

func (e *UnknownNetworkError) Unwrap() error { return ErrUnknownNetwork }

// ChainReadError は読み取り呼び出しの失敗
type ChainReadError struct {
	Method string
	Err    error
}

func (e *ChainReadError) Error() string {
	return fmt.Sprintf("chain read %s failed: %v", e.Method, e.Err)
}

// Unwrap は ErrChainRead と元のエラーの両方に一致させる
func (e *ChainReadError) Unwrap() []error { return []error{ErrChainRead, e.Err} }

// MetadataFetchError は1件のメタデータ取得・解析の失敗
type MetadataFetchError struct {
	TokenID uint64
	URI     string
	Err     error
}

func (e *MetadataFetchError) Error() string {
	return fmt.Sprintf("metadata for token %d (%s): %v", e.TokenID, e.URI, e.Err)
}

func (e *MetadataFetchError) Unwrap() []error { return []error{ErrMetadataFetch, e.Err} }

// StepError はアクションのステップ失敗。TxHash は送信済みの場合のみ
type StepError struct {
	Action Action
	Step   Step
	TxHash string
	Err    error
}

func (e *StepError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("%s: step %s failed (tx: %s): %v", e.Action, e.Step, e.TxHash, e.Err)
	}
	return fmt.Sprintf("%s: step %s failed: %v", e.Action, e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }
