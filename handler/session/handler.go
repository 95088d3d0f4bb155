package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"

	"millow-back-onchain/handler/response"
	"millow-back-onchain/logging"
	"millow-back-onchain/model"
	"millow-back-onchain/usecase/session"
)

// Session は接続状態の操作
type Session interface {
	Connect(ctx context.Context) (common.Address, error)
	Disconnect()
	SetAccount(account common.Address)
	Info() session.Info
}

// Wallet はウォレット側の操作。アカウント切り替えと署名のロック
type Wallet interface {
	Select(account common.Address) error
	Lock()
	Unlock()
}

type SessionHandler struct {
	session Session
	wallet  Wallet
}

func NewSessionHandler(s Session, wallet Wallet) *SessionHandler {
	return &SessionHandler{session: s, wallet: wallet}
}

// Register はルートを登録する
func (h *SessionHandler) Register(r *mux.Router) {
	r.HandleFunc("/api/v1/session", h.HandleGet).Methods("GET")
	r.HandleFunc("/api/v1/session", h.HandleDisconnect).Methods("DELETE")
	r.HandleFunc("/api/v1/session/connect", h.HandleConnect).Methods("POST")
	r.HandleFunc("/api/v1/session/account", h.HandleSelectAccount).Methods("PUT")
	r.HandleFunc("/api/v1/session/lock", h.HandleLock(true)).Methods("POST")
	r.HandleFunc("/api/v1/session/unlock", h.HandleLock(false)).Methods("POST")
}

func (h *SessionHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, h.session.Info())
}

// HandleConnect はウォレットに接続する
func (h *SessionHandler) HandleConnect(w http.ResponseWriter, r *http.Request) {
	if _, err := h.session.Connect(r.Context()); err != nil {
		response.Error(w, r, err, nil)
		return
	}
	response.JSON(w, http.StatusOK, h.session.Info())
}

func (h *SessionHandler) HandleDisconnect(w http.ResponseWriter, r *http.Request) {
	h.session.Disconnect()
	response.JSON(w, http.StatusOK, h.session.Info())
}

// SelectAccountRequest はアカウント切り替えリクエスト
type SelectAccountRequest struct {
	Account string `json:"account"`
}

// HandleSelectAccount はウォレットのアカウントを切り替える（accountsChanged 相当）
func (h *SessionHandler) HandleSelectAccount(w http.ResponseWriter, r *http.Request) {
	var req SelectAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request body")
		return
	}
	if !common.IsHexAddress(req.Account) {
		response.BadRequest(w, "account must be a hex address")
		return
	}
	account := common.HexToAddress(req.Account)

	if h.wallet != nil {
		if err := h.wallet.Select(account); err != nil {
			response.BadRequest(w, err.Error())
			return
		}
	}
	h.session.SetAccount(account)
	logging.FromContext(r.Context()).Info("account selected", "account", account.Hex())
	response.JSON(w, http.StatusOK, h.session.Info())
}

// LockState はロック操作の結果
type LockState struct {
	Locked bool `json:"locked"`
}

// HandleLock はウォレットの署名をロック・解除する。ロック中の送信は拒否扱いになる
func (h *SessionHandler) HandleLock(locked bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.wallet == nil {
			response.Error(w, r, model.ErrWalletUnavailable, nil)
			return
		}
		if locked {
			h.wallet.Lock()
		} else {
			h.wallet.Unlock()
		}
		logging.FromContext(r.Context()).Info("wallet lock changed", "locked", locked)
		response.JSON(w, http.StatusOK, LockState{Locked: locked})
	}
}
