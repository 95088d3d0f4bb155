// Package response はハンドラー共通のJSONレスポンスとエラー変換
package response

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"millow-back-onchain/logging"
	"millow-back-onchain/model"
)

// ErrorBody はエラーレスポンス
type ErrorBody struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details any    `json:"details,omitempty"`
}

// internalBody はエンコード失敗時に返す固定のボディ
const internalBody = `{"error":"failed to encode response","code":"internal"}` + "\n"

// JSON は v をJSONで書き出す。ヘッダーを書く前にエンコードし、失敗したら500を返す
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	if v == nil {
		w.WriteHeader(status)
		return
	}

	body, err := json.Marshal(v)
	if err != nil {
		slog.Default().Error("failed to encode response", "status", status, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(internalBody))
		return
	}
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}

// Status はエラー分類からHTTPステータスとコードを決める
func Status(err error) (int, string) {
	switch {
	case errors.Is(err, model.ErrActionInFlight):
		return http.StatusConflict, "action_in_flight"
	case errors.Is(err, model.ErrNoEligibleAction):
		return http.StatusForbidden, "no_eligible_action"
	case errors.Is(err, model.ErrActionAlreadyDone):
		return http.StatusForbidden, "action_already_done"
	case errors.Is(err, model.ErrListingNotListed):
		return http.StatusConflict, "listing_not_listed"
	case errors.Is(err, model.ErrNotConnected):
		return http.StatusUnauthorized, "not_connected"
	case errors.Is(err, model.ErrWalletUnavailable):
		return http.StatusPreconditionRequired, "wallet_unavailable"
	case errors.Is(err, model.ErrUnknownNetwork):
		return http.StatusServiceUnavailable, "unknown_network"
	case errors.Is(err, model.ErrListingNotFound), errors.Is(err, model.ErrTxNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, model.ErrInvalidTxHash):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, model.ErrTransactionRejected):
		return http.StatusBadGateway, "transaction_rejected"
	case errors.Is(err, model.ErrTransactionReverted):
		return http.StatusBadGateway, "transaction_reverted"
	case errors.Is(err, model.ErrConfirmationTimeout):
		return http.StatusGatewayTimeout, "confirmation_timeout"
	case errors.Is(err, model.ErrChainRead):
		return http.StatusBadGateway, "chain_read_failed"
	case errors.Is(err, model.ErrMetadataFetch), errors.Is(err, model.ErrInvalidMetadata):
		return http.StatusBadGateway, "metadata_fetch_failed"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// Error はエラーを分類してJSONで返す。ログはリクエストのロガーに出す
func Error(w http.ResponseWriter, r *http.Request, err error, details any) {
	logger := logging.FromContext(r.Context())
	status, code := Status(err)
	msg := err.Error()
	if errors.Is(err, model.ErrWalletUnavailable) {
		msg = "No Ethereum wallet detected. Install a wallet (e.g. MetaMask) or configure WALLET_PRIVATE_KEYS."
	}
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "status", status, "code", code, "error", err)
	} else {
		logger.Debug("request rejected", "status", status, "code", code, "error", err)
	}
	JSON(w, status, ErrorBody{Error: msg, Code: code, Details: details})
}

// BadRequest は入力エラーを返す
func BadRequest(w http.ResponseWriter, msg string) {
	JSON(w, http.StatusBadRequest, ErrorBody{Error: msg, Code: "invalid_request"})
}
