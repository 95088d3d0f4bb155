package handler

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"millow-back-onchain/handler/response"
	"millow-back-onchain/usecase/contract"
)

type ContractHandler struct {
	contractUC usecase.ContractUsecase
}

func NewContractHandler(uc usecase.ContractUsecase) *ContractHandler {
	return &ContractHandler{contractUC: uc}
}

// Register はルートを登録する
func (h *ContractHandler) Register(r *mux.Router) {
	r.HandleFunc("/health", h.HandleHealth).Methods("GET")
	r.HandleFunc("/api/v1/network", h.HandleNetwork).Methods("GET")
	r.HandleFunc("/api/v1/tx/verify", h.HandleVerifyTransaction).Methods("POST")
}

// HandleHealth はノード接続を含むヘルスチェック
func (h *ContractHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	health := h.contractUC.Health(r.Context())
	status := http.StatusOK
	if health.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	response.JSON(w, status, health)
}

// HandleNetwork は接続中のチェーンIDとコントラクトアドレスを返す
func (h *ContractHandler) HandleNetwork(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, h.contractUC.Network())
}

// VerifyTxRequest はトランザクション検証リクエスト
type VerifyTxRequest struct {
	TxHash string `json:"tx_hash"`
}

// HandleVerifyTransaction はトランザクションを検証
func (h *ContractHandler) HandleVerifyTransaction(w http.ResponseWriter, r *http.Request) {
	var req VerifyTxRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request body")
		return
	}

	if req.TxHash == "" {
		response.BadRequest(w, "tx_hash is required")
		return
	}

	verification, err := h.contractUC.VerifyTransaction(r.Context(), req.TxHash)
	if err != nil {
		response.Error(w, r, err, nil)
		return
	}

	response.JSON(w, http.StatusOK, verification)
}
