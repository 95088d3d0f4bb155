package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"millow-back-onchain/gateway/chain"
	"millow-back-onchain/model"
)

var (
	ErrInvalidPrivateKey = errors.New("wallet: invalid private key")
	ErrUnknownAccount    = errors.New("wallet: account not in keyring")
)

// Provider はウォレットプロバイダーの境界（eth_requestAccounts・accountsChanged・署名）
type Provider interface {
	// RequestAccounts はアカウント一覧を返す。選択中のアカウントが先頭
	RequestAccounts(ctx context.Context) ([]common.Address, error)

	// SubscribeAccountChanges は選択アカウントの変更通知を購読。ctx 終了で閉じる
	SubscribeAccountChanges(ctx context.Context) <-chan common.Address

	// Signer は account の署名アイデンティティを返す
	Signer(account common.Address) (chain.Signer, error)
}

// Keyring は設定された秘密鍵によるウォレット実装
type Keyring struct {
	mu     sync.RWMutex
	keys   map[common.Address]*ecdsa.PrivateKey
	order  []common.Address
	active int
	locked bool
	subs   map[int]chan common.Address
	nextID int
}

var _ Provider = (*Keyring)(nil)

// NewKeyring は16進秘密鍵（0xあり・なし）からキーリングを作成。空でもよい
func NewKeyring(hexKeys []string) (*Keyring, error) {
	k := &Keyring{
		keys: make(map[common.Address]*ecdsa.PrivateKey, len(hexKeys)),
		subs: make(map[int]chan common.Address),
	}
	for i, hexKey := range hexKeys {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
		if err != nil {
			return nil, fmt.Errorf("%w: key %d: %v", ErrInvalidPrivateKey, i, err)
		}
		addr := crypto.PubkeyToAddress(key.PublicKey)
		if _, dup := k.keys[addr]; dup {
			continue
		}
		k.keys[addr] = key
		k.order = append(k.order, addr)
	}
	return k, nil
}

// RequestAccounts は eth_requestAccounts 相当
func (k *Keyring) RequestAccounts(ctx context.Context) ([]common.Address, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	k.mu.RLock()
	defer k.mu.RUnlock()

	if len(k.order) == 0 {
		return nil, model.ErrWalletUnavailable
	}

	accounts := make([]common.Address, 0, len(k.order))
	accounts = append(accounts, k.order[k.active])
	for i, addr := range k.order {
		if i != k.active {
			accounts = append(accounts, addr)
		}
	}
	return accounts, nil
}

// Select は選択アカウントを切り替え、購読者に通知する
func (k *Keyring) Select(account common.Address) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	idx := -1
	for i, addr := range k.order {
		if addr == account {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownAccount, account.Hex())
	}
	if idx == k.active {
		return nil
	}
	k.active = idx

	for _, ch := range k.subs {
		// 後勝ち: 未読の古い通知は捨てる
		select {
		case <-ch:
		default:
		}
		ch <- account
	}
	return nil
}

// SubscribeAccountChanges は accountsChanged 相当の通知チャネルを返す
func (k *Keyring) SubscribeAccountChanges(ctx context.Context) <-chan common.Address {
	ch := make(chan common.Address, 1)

	k.mu.Lock()
	id := k.nextID
	k.nextID++
	k.subs[id] = ch
	k.mu.Unlock()

	go func() {
		<-ctx.Done()
		k.mu.Lock()
		delete(k.subs, id)
		close(ch)
		k.mu.Unlock()
	}()

	return ch
}

// Lock は署名を拒否する状態にする（ユーザーが署名を拒否した場合と同じ扱い）
func (k *Keyring) Lock() {
	k.mu.Lock()
	k.locked = true
	k.mu.Unlock()
}

// Unlock は署名を再び許可する
func (k *Keyring) Unlock() {
	k.mu.Lock()
	k.locked = false
	k.mu.Unlock()
}

// Signer は account の署名アイデンティティを返す
func (k *Keyring) Signer(account common.Address) (chain.Signer, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if len(k.order) == 0 {
		return nil, model.ErrWalletUnavailable
	}
	if _, ok := k.keys[account]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, account.Hex())
	}
	return &keySigner{ring: k, address: account}, nil
}

type keySigner struct {
	ring    *Keyring
	address common.Address
}

func (s *keySigner) Address() common.Address {
	return s.address
}

func (s *keySigner) SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.ring.mu.RLock()
	key, ok := s.ring.keys[s.address]
	locked := s.ring.locked
	s.ring.mu.RUnlock()

	if locked {
		return nil, fmt.Errorf("%w: wallet is locked", model.ErrTransactionRejected)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, s.address.Hex())
	}
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), key)
}
