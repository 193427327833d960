package server

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/billscan/internal/bill"
	"github.com/MeKo-Tech/billscan/internal/catalog"
	"github.com/MeKo-Tech/billscan/internal/receiving"
	"github.com/MeKo-Tech/billscan/internal/review"
)

func billWithLine(t *testing.T, productID string) *bill.Bill {
	t.Helper()
	b := cleanBill()
	qty, _ := decimal.NewFromString("10")
	price, _ := decimal.NewFromString("4.00")
	b.Lines = []bill.LineItem{{
		ID:            "line-1",
		RawSKU:        "WID-42",
		NormalizedSKU: catalog.NormalizeSKU("WID-42"),
		Description:   "Blue Widget",
		Quantity:      qty,
		UnitPrice:     price,
		LineTotal:     qty.Mul(price),
		ProductID:     productID,
		Status:        bill.LineUnmatched,
	}}
	if productID != "" {
		b.Lines[0].Status = bill.LineMatched
	}
	return b
}

func TestCreateProductFromLine(t *testing.T) {
	env := newTestEnv(t)
	b := billWithLine(t, "")
	seedBill(t, env, b)

	rec := env.do(t, http.MethodPost, "/bills/"+b.ID+"/lines/line-1/product", map[string]any{
		"actor":        "alice",
		"sku":          "WID-42",
		"name":         "Blue Widget",
		"create_alias": true,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp createProductResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Product.ID)
	assert.Equal(t, "WID42", resp.Product.SKU)
	require.Len(t, resp.Bill.Lines, 1)
	assert.Equal(t, resp.Product.ID, resp.Bill.Lines[0].ProductID)
	assert.Equal(t, bill.LineManuallyCreated, resp.Bill.Lines[0].Status)

	// The vendor alias resolves the next occurrence of this SKU.
	aliases, err := env.store.FindAliases(context.Background(), "vendor-1", "WID42")
	require.NoError(t, err)
	require.Len(t, aliases, 1)
	assert.Equal(t, resp.Product.ID, aliases[0].ProductID)

	// The line mutation runs through the review case: the bill moved into
	// review and the trail shows both transitions.
	assert.Equal(t, bill.StateInReview, resp.Bill.State)
	entries, err := env.store.ForBill(b.ID)
	require.NoError(t, err)
	var actions []review.ActionKind
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	assert.Contains(t, actions, review.ActionStartReview)
	assert.Contains(t, actions, review.ActionCreateProduct)
}

func TestManualMatchLine(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.store.Create(context.Background(), catalog.Product{SKU: "W-42", Name: "Blue Widget"})
	require.NoError(t, err)
	b := billWithLine(t, "")
	seedBill(t, env, b)

	rec := env.do(t, http.MethodPost, "/bills/"+b.ID+"/lines/line-1/match", map[string]any{
		"actor":        "alice",
		"product_id":   p.ID,
		"create_alias": true,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var got bill.Bill
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got.Lines, 1)
	assert.Equal(t, p.ID, got.Lines[0].ProductID)
	assert.Equal(t, bill.LineMatched, got.Lines[0].Status)
	require.NotNil(t, got.Lines[0].MatchReason)
	assert.Equal(t, "manual", got.Lines[0].MatchReason.Strategy)

	// The confirmation feeds the history strategy on the next bill.
	productID, internalSKU, ok, err := env.store.FindConfirmed(context.Background(), "vendor-1", "WID42")
	require.NoError(t, err)
	require.True(t, ok, "confirmation not recorded")
	assert.Equal(t, p.ID, productID)
	assert.Equal(t, "W-42", internalSKU)

	aliases, err := env.store.FindAliases(context.Background(), "vendor-1", "WID42")
	require.NoError(t, err)
	require.Len(t, aliases, 1)

	entries, err := env.store.ForBill(b.ID)
	require.NoError(t, err)
	var found bool
	for _, e := range entries {
		if e.Action == review.ActionManualMatch {
			found = true
		}
	}
	assert.True(t, found, "manual_match audit entry missing")
}

func TestManualMatchUnknownProduct(t *testing.T) {
	env := newTestEnv(t)
	b := billWithLine(t, "")
	seedBill(t, env, b)

	rec := env.do(t, http.MethodPost, "/bills/"+b.ID+"/lines/line-1/match", map[string]any{
		"actor": "alice", "product_id": "nope",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestManualMatchUnknownLine(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.store.Create(context.Background(), catalog.Product{SKU: "W-42", Name: "Widget"})
	require.NoError(t, err)
	b := billWithLine(t, "")
	seedBill(t, env, b)

	rec := env.do(t, http.MethodPost, "/bills/"+b.ID+"/lines/nope/match", map[string]any{
		"actor": "alice", "product_id": p.ID,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateProductUnknownLine(t *testing.T) {
	env := newTestEnv(t)
	b := billWithLine(t, "")
	seedBill(t, env, b)

	rec := env.do(t, http.MethodPost, "/bills/"+b.ID+"/lines/nope/product", map[string]any{
		"sku": "X-1", "name": "Thing",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateProductDuplicateSKU(t *testing.T) {
	env := newTestEnv(t)
	b := billWithLine(t, "")
	seedBill(t, env, b)
	_, err := env.store.Create(context.Background(), catalog.Product{SKU: "WID-42", Name: "Widget"})
	require.NoError(t, err)

	rec := env.do(t, http.MethodPost, "/bills/"+b.ID+"/lines/line-1/product", map[string]any{
		"sku": "WID-42", "name": "Widget Again",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCreateProductRequiresFields(t *testing.T) {
	env := newTestEnv(t)
	b := billWithLine(t, "")
	seedBill(t, env, b)

	rec := env.do(t, http.MethodPost, "/bills/"+b.ID+"/lines/line-1/product", map[string]any{
		"name": "No SKU",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPostReceiving(t *testing.T) {
	env := newTestEnv(t)
	cost, _ := decimal.NewFromString("6.00")
	p, err := env.store.Create(context.Background(), catalog.Product{SKU: "WID-42", Name: "Widget", Cost: cost})
	require.NoError(t, err)

	b := billWithLine(t, p.ID)
	b.State = bill.StateApproved
	seedBill(t, env, b)

	rec := env.do(t, http.MethodPost, "/bills/"+b.ID+"/receiving", map[string]any{
		"actor": "alice", "policy": "LastCost",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var sum receiving.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sum))
	assert.Equal(t, receiving.LastCost, sum.Policy)
	require.Len(t, sum.Lines, 1)
	assert.True(t, sum.Lines[0].Updated)

	got, err := env.store.GetProduct(context.Background(), p.ID)
	require.NoError(t, err)
	want, _ := decimal.NewFromString("4.00")
	assert.True(t, got.Cost.Equal(want), "cost = %s, want 4.00", got.Cost)
}

func TestPostReceivingNotApproved(t *testing.T) {
	env := newTestEnv(t)
	b := billWithLine(t, "")
	seedBill(t, env, b)

	rec := env.do(t, http.MethodPost, "/bills/"+b.ID+"/receiving", map[string]any{
		"actor": "alice", "policy": "LastCost",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestPostReceivingUnknownPolicy(t *testing.T) {
	env := newTestEnv(t)
	b := billWithLine(t, "")
	b.State = bill.StateApproved
	seedBill(t, env, b)

	rec := env.do(t, http.MethodPost, "/bills/"+b.ID+"/receiving", map[string]any{
		"actor": "alice", "policy": "Magic",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
