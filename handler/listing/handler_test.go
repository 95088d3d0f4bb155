package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"millow-back-onchain/handler/response"
	"millow-back-onchain/model"
	"millow-back-onchain/usecase/catalog"
	"millow-back-onchain/usecase/session"
)

type fakeCatalog struct {
	result  *catalog.Result
	loaded  *catalog.Result
	loadErr error
	loads   int
}

func (c *fakeCatalog) LoadAll(ctx context.Context) (*catalog.Result, error) {
	c.loads++
	if c.loadErr != nil {
		return nil, c.loadErr
	}
	c.result = c.loaded
	return c.result, nil
}

func (c *fakeCatalog) Current() *catalog.Result { return c.result }

func (c *fakeCatalog) Listing(id uint64) (model.Listing, error) {
	if c.result != nil {
		for _, l := range c.result.Listings {
			if l.TokenID == id {
				return l, nil
			}
		}
	}
	return model.Listing{}, model.ErrListingNotFound
}

type fakeViewer struct {
	view   *session.View
	out    *session.Outcome
	err    error
	actErr error
}

func (v *fakeViewer) View(ctx context.Context, id uint64) (*session.View, error) {
	return v.view, v.err
}

func (v *fakeViewer) Act(ctx context.Context, id uint64) (*session.Outcome, error) {
	return v.out, v.actErr
}

func newServer(c *fakeCatalog, v *fakeViewer) *mux.Router {
	r := mux.NewRouter()
	NewListingHandler(c, v).Register(r)
	return r
}

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func twoListings() *catalog.Result {
	return &catalog.Result{Listings: []model.Listing{{TokenID: 1, Name: "A"}, {TokenID: 2, Name: "B"}}}
}

func TestHandleList_LoadsOnceThenServesCached(t *testing.T) {
	c := &fakeCatalog{loaded: twoListings()}
	srv := newServer(c, &fakeViewer{})

	rec := do(t, srv, "GET", "/api/v1/listings")
	require.Equal(t, http.StatusOK, rec.Code)

	var res catalog.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Len(t, res.Listings, 2)

	do(t, srv, "GET", "/api/v1/listings")
	assert.Equal(t, 1, c.loads)

	do(t, srv, "GET", "/api/v1/listings?reload=true")
	assert.Equal(t, 2, c.loads)
}

func TestHandleList_MetadataFailureIsBadGateway(t *testing.T) {
	c := &fakeCatalog{loadErr: &model.MetadataFetchError{TokenID: 2, URI: "ipfs://x", Err: errors.New("404")}}
	rec := do(t, newServer(c, &fakeViewer{}), "GET", "/api/v1/listings")

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	var body response.ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "metadata_fetch_failed", body.Code)
}

func TestHandleGet_ReturnsListingAndView(t *testing.T) {
	c := &fakeCatalog{result: twoListings()}
	v := &fakeViewer{view: &session.View{
		ListingID: 2,
		Status:    &model.EscrowStatus{ListingID: 2},
		Button:    &session.Button{Action: model.ActionBuy, Label: "Buy", Enabled: true},
	}}

	rec := do(t, newServer(c, v), "GET", "/api/v1/listings/2")
	require.Equal(t, http.StatusOK, rec.Code)

	var detail ListingDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Equal(t, "B", detail.Listing.Name)
	require.NotNil(t, detail.View.Button)
	assert.Equal(t, "Buy", detail.View.Button.Label)
}

func TestHandleGet_Errors(t *testing.T) {
	c := &fakeCatalog{result: twoListings()}

	assert.Equal(t, http.StatusBadRequest, do(t, newServer(c, &fakeViewer{}), "GET", "/api/v1/listings/abc").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, newServer(c, &fakeViewer{}), "GET", "/api/v1/listings/0").Code)
	assert.Equal(t, http.StatusNotFound, do(t, newServer(c, &fakeViewer{}), "GET", "/api/v1/listings/9").Code)

	readErr := &fakeViewer{err: &model.ChainReadError{Method: "buyer", Err: errors.New("eof")}}
	assert.Equal(t, http.StatusBadGateway, do(t, newServer(c, readErr), "GET", "/api/v1/listings/1").Code)
}

func TestHandleAct_Success(t *testing.T) {
	v := &fakeViewer{out: &session.Outcome{Result: &model.ActionResult{ListingID: 1, Action: model.ActionInspect, Completed: true}}}
	rec := do(t, newServer(&fakeCatalog{}, v), "POST", "/api/v1/listings/1/actions")

	require.Equal(t, http.StatusOK, rec.Code)
	var out session.Outcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.True(t, out.Result.Completed)
}

func TestHandleAct_ErrorStatuses(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"in flight", model.ErrActionInFlight, http.StatusConflict},
		{"no role", model.ErrNoEligibleAction, http.StatusForbidden},
		{"done", model.ErrActionAlreadyDone, http.StatusForbidden},
		{"not connected", model.ErrNotConnected, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, newServer(&fakeCatalog{}, &fakeViewer{actErr: tt.err}), "POST", "/api/v1/listings/1/actions")
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestHandleAct_FailedChainListsConfirmedSteps(t *testing.T) {
	v := &fakeViewer{
		out: &session.Outcome{Result: &model.ActionResult{
			ListingID: 1,
			Action:    model.ActionBuy,
			Confirmed: []model.StepReceipt{{Step: model.StepDepositEarnest, TxHash: "0x01"}},
		}},
		actErr: &model.StepError{Action: model.ActionBuy, Step: model.StepApproveSale, TxHash: "0x02", Err: model.ErrTransactionReverted},
	}
	rec := do(t, newServer(&fakeCatalog{}, v), "POST", "/api/v1/listings/1/actions")
	require.Equal(t, http.StatusBadGateway, rec.Code)

	var body struct {
		Code    string          `json:"code"`
		Details session.Outcome `json:"details"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "transaction_reverted", body.Code)
	require.Len(t, body.Details.Result.Confirmed, 1)
	assert.Equal(t, model.StepDepositEarnest, body.Details.Result.Confirmed[0].Step)
}
