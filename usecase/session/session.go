package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"millow-back-onchain/gateway/chain"
	"millow-back-onchain/gateway/wallet"
	"millow-back-onchain/model"
)

// StatusResolver はエスクロー状態の読み取り
type StatusResolver interface {
	Resolve(ctx context.Context, listingID uint64) (*model.EscrowStatus, error)
}

// Executor はアクションの実行
type Executor interface {
	Execute(ctx context.Context, signer chain.Signer, listingID uint64, action model.Action) (*model.ActionResult, error)
	InFlight(listingID uint64) bool
}

// Button はロールに応じた操作ボタン
type Button struct {
	Action  model.Action `json:"action"`
	Label   string       `json:"label"`
	Enabled bool         `json:"enabled"`
	// 実行中は Enabled=false
	InFlight bool `json:"in_flight,omitempty"`
}

// View は物件詳細の表示内容。出品中ならボタン、売却済みなら所有者表示
type View struct {
	ListingID uint64              `json:"listing_id"`
	Account   *common.Address     `json:"account,omitempty"`
	Status    *model.EscrowStatus `json:"status"`
	Role      model.Role          `json:"role,omitempty"`
	Button    *Button             `json:"button,omitempty"`
	OwnedBy   string              `json:"owned_by,omitempty"`
}

// Outcome はアクション実行結果と再取得後の表示
type Outcome struct {
	Result *model.ActionResult `json:"result,omitempty"`
	View   *View               `json:"view,omitempty"`
}

// Info は現在の接続状態
type Info struct {
	Connected bool            `json:"connected"`
	Account   *common.Address `json:"account,omitempty"`
	Selected  uint64          `json:"selected_listing,omitempty"`
}

// Session は接続中アカウントと選択中物件のスナップショットを保持する。
// アカウント変更・切断・物件切り替えでスナップショットは破棄される
type Session struct {
	provider wallet.Provider
	resolver StatusResolver
	executor Executor
	logger   *slog.Logger

	mu       sync.RWMutex
	account  *common.Address
	gen      uint64
	selected uint64
	snapshot *model.EscrowStatus
}

// New はセッションを作成
func New(provider wallet.Provider, resolver StatusResolver, executor Executor, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		provider: provider,
		resolver: resolver,
		executor: executor,
		logger:   logger,
	}
}

// Connect はウォレットにアカウントを要求し、先頭のアカウントで接続する
func (s *Session) Connect(ctx context.Context) (common.Address, error) {
	if s.provider == nil {
		return common.Address{}, model.ErrWalletUnavailable
	}
	accounts, err := s.provider.RequestAccounts(ctx)
	if err != nil {
		return common.Address{}, err
	}
	if len(accounts) == 0 {
		return common.Address{}, model.ErrWalletUnavailable
	}

	s.SetAccount(accounts[0])
	s.logger.Info("account connected", "account", accounts[0].Hex())
	return accounts[0], nil
}

// Disconnect は接続を破棄する
func (s *Session) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.account = nil
	s.gen++
	s.selected = 0
	s.snapshot = nil
}

// SetAccount は接続アカウントを置き換える（後勝ち）
func (s *Session) SetAccount(account common.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.account != nil && *s.account == account {
		return
	}
	s.account = &account
	s.gen++
	s.snapshot = nil
}

// Account は接続中のアカウントを返す
func (s *Session) Account() (common.Address, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.account == nil {
		return common.Address{}, false
	}
	return *s.account, true
}

// Info は接続状態を返す
func (s *Session) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info := Info{Connected: s.account != nil, Selected: s.selected}
	if s.account != nil {
		acc := *s.account
		info.Account = &acc
	}
	return info
}

// Snapshot は選択中物件の最後の状態を返す
func (s *Session) Snapshot() (uint64, *model.EscrowStatus) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selected, s.snapshot
}

// Watch はウォレットのアカウント変更を ctx 終了まで反映する。
// 接続していない間の変更は無視する
func (s *Session) Watch(ctx context.Context) {
	if s.provider == nil {
		return
	}
	changes := s.provider.SubscribeAccountChanges(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case account, ok := <-changes:
			if !ok {
				return
			}
			if _, connected := s.Account(); !connected {
				continue
			}
			s.SetAccount(account)
			s.logger.Info("account changed", "account", account.Hex())
		}
	}
}

// EligibleAction はロールからアクションを決める。
// inspector > lender > seller > buyer の順で最初に一致したもの、どれにも一致しなければ none
func EligibleAction(account common.Address, roles model.EscrowRoleSet) model.Action {
	if account == (common.Address{}) {
		return model.ActionNone
	}
	switch account {
	case roles.Inspector:
		return model.ActionInspect
	case roles.Lender:
		return model.ActionLend
	case roles.Seller:
		return model.ActionSell
	case roles.Buyer:
		return model.ActionBuy
	default:
		return model.ActionNone
	}
}

// ButtonFor はアクションのボタン表示。対応するフラグが立っていれば無効
func ButtonFor(action model.Action, flags model.EscrowStatusFlags) *Button {
	switch action {
	case model.ActionInspect:
		return &Button{Action: action, Label: "Approve Inspection", Enabled: !flags.InspectionPassed}
	case model.ActionLend:
		return &Button{Action: action, Label: "Approve & Lend", Enabled: !flags.LendApproved}
	case model.ActionSell:
		return &Button{Action: action, Label: "Approve & Sell", Enabled: !flags.SoldApproved}
	case model.ActionBuy:
		return &Button{Action: action, Label: "Buy", Enabled: !flags.BoughtApproved}
	default:
		return nil
	}
}

func buildView(listingID uint64, account *common.Address, status *model.EscrowStatus) *View {
	v := &View{ListingID: listingID, Account: account, Status: status}
	if !status.Flags.IsListed {
		if status.Flags.OwnerIfSold != nil {
			v.OwnedBy = "Owned by " + model.ShortAddress(*status.Flags.OwnerIfSold)
		}
		return v
	}
	if account != nil {
		action := EligibleAction(*account, status.Roles)
		v.Role = roleFor[action]
		v.Button = ButtonFor(action, status.Flags)
	}
	return v
}

// render は実行中の物件ならボタンを無効にする
func (s *Session) render(listingID uint64, account *common.Address, status *model.EscrowStatus) *View {
	v := buildView(listingID, account, status)
	if v.Button != nil && s.executor.InFlight(listingID) {
		v.Button.Enabled = false
		v.Button.InFlight = true
	}
	return v
}

var roleFor = map[model.Action]model.Role{
	model.ActionInspect: model.RoleInspector,
	model.ActionLend:    model.RoleLender,
	model.ActionSell:    model.RoleSeller,
	model.ActionBuy:     model.RoleBuyer,
}

// View は物件を選択して状態を読み取り、表示内容を返す
func (s *Session) View(ctx context.Context, listingID uint64) (*View, error) {
	s.mu.RLock()
	account, gen := s.account, s.gen
	s.mu.RUnlock()

	status, err := s.resolver.Resolve(ctx, listingID)
	if err != nil {
		return nil, err
	}
	s.store(gen, listingID, status)
	return s.render(listingID, account, status), nil
}

// store は読み取り中にアカウントが変わっていなければスナップショットを保存する
func (s *Session) store(gen, listingID uint64, status *model.EscrowStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return
	}
	s.selected = listingID
	s.snapshot = status
}

// Act は接続アカウントのアクションを実行し、結果に関わらず状態を読み直す
func (s *Session) Act(ctx context.Context, listingID uint64) (*Outcome, error) {
	s.mu.RLock()
	account, gen := s.account, s.gen
	s.mu.RUnlock()
	if account == nil {
		return nil, model.ErrNotConnected
	}

	status, err := s.resolver.Resolve(ctx, listingID)
	if err != nil {
		return nil, err
	}
	s.store(gen, listingID, status)

	if !status.Flags.IsListed {
		return &Outcome{View: s.render(listingID, account, status)}, model.ErrListingNotListed
	}
	action := EligibleAction(*account, status.Roles)
	button := ButtonFor(action, status.Flags)
	if button == nil {
		return &Outcome{View: s.render(listingID, account, status)}, model.ErrNoEligibleAction
	}
	if !button.Enabled {
		return &Outcome{View: s.render(listingID, account, status)}, fmt.Errorf("%w: %s", model.ErrActionAlreadyDone, action)
	}
	if s.executor.InFlight(listingID) {
		return &Outcome{View: s.render(listingID, account, status)}, model.ErrActionInFlight
	}

	if s.provider == nil {
		return nil, model.ErrWalletUnavailable
	}
	signer, err := s.provider.Signer(*account)
	if err != nil {
		return nil, err
	}

	s.logger.Info("running action", "listing_id", listingID, "action", string(action), "account", account.Hex())
	result, actErr := s.executor.Execute(ctx, signer, listingID, action)

	out := &Outcome{Result: result}
	refreshed, err := s.resolver.Resolve(ctx, listingID)
	if err != nil {
		s.logger.Warn("re-resolve after action failed", "listing_id", listingID, "error", err)
	} else {
		s.store(gen, listingID, refreshed)
		out.View = s.render(listingID, account, refreshed)
	}
	return out, actErr
}
