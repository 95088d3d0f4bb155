package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"millow-back-onchain/handler/response"
	"millow-back-onchain/model"
	"millow-back-onchain/usecase/catalog"
	"millow-back-onchain/usecase/session"
)

// Catalog は物件カタログ
type Catalog interface {
	LoadAll(ctx context.Context) (*catalog.Result, error)
	Current() *catalog.Result
	Listing(id uint64) (model.Listing, error)
}

// Viewer は接続アカウントから見た物件の表示と操作
type Viewer interface {
	View(ctx context.Context, listingID uint64) (*session.View, error)
	Act(ctx context.Context, listingID uint64) (*session.Outcome, error)
}

type ListingHandler struct {
	catalog Catalog
	viewer  Viewer
}

func NewListingHandler(c Catalog, v Viewer) *ListingHandler {
	return &ListingHandler{catalog: c, viewer: v}
}

// Register はルートを登録する
func (h *ListingHandler) Register(r *mux.Router) {
	r.HandleFunc("/api/v1/listings", h.HandleList).Methods("GET")
	r.HandleFunc("/api/v1/listings/{id}", h.HandleGet).Methods("GET")
	r.HandleFunc("/api/v1/listings/{id}/actions", h.HandleAct).Methods("POST")
}

// ListingDetail は物件詳細レスポンス
type ListingDetail struct {
	Listing model.Listing `json:"listing"`
	View    *session.View `json:"view"`
}

func (h *ListingHandler) current(ctx context.Context, reload bool) (*catalog.Result, error) {
	if !reload {
		if res := h.catalog.Current(); res != nil {
			return res, nil
		}
	}
	return h.catalog.LoadAll(ctx)
}

// HandleList は物件一覧を返す。?reload=true でチェーンから読み直す
func (h *ListingHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	reload, _ := strconv.ParseBool(r.URL.Query().Get("reload"))

	res, err := h.current(r.Context(), reload)
	if err != nil {
		response.Error(w, r, err, nil)
		return
	}
	response.JSON(w, http.StatusOK, res)
}

// HandleGet は物件詳細と接続アカウントの操作ボタンを返す
func (h *ListingHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := listingID(w, r)
	if !ok {
		return
	}

	if _, err := h.current(r.Context(), false); err != nil {
		response.Error(w, r, err, nil)
		return
	}
	listing, err := h.catalog.Listing(id)
	if err != nil {
		response.Error(w, r, err, nil)
		return
	}

	view, err := h.viewer.View(r.Context(), id)
	if err != nil {
		response.Error(w, r, err, nil)
		return
	}
	response.JSON(w, http.StatusOK, ListingDetail{Listing: listing, View: view})
}

// HandleAct は接続アカウントのロールに応じたアクションを実行する。
// 失敗時も確定済みのステップを details に含める
func (h *ListingHandler) HandleAct(w http.ResponseWriter, r *http.Request) {
	id, ok := listingID(w, r)
	if !ok {
		return
	}

	out, err := h.viewer.Act(r.Context(), id)
	if err != nil {
		var details any
		if out != nil {
			details = out
		}
		response.Error(w, r, err, details)
		return
	}
	response.JSON(w, http.StatusOK, out)
}

func listingID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil || id == 0 {
		response.BadRequest(w, "Invalid listing ID")
		return 0, false
	}
	return id, true
}
