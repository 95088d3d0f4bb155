package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"millow-back-onchain/gateway/metadata"
	"millow-back-onchain/model"
)

func TestBuildListing_NamedTraits(t *testing.T) {
	doc := validDoc("Cottage")
	// 順序に依存しないこと
	doc.Attributes[0], doc.Attributes[4] = doc.Attributes[4], doc.Attributes[0]

	l, err := BuildListing(7, "ipfs://x/7.json", doc)
	require.NoError(t, err)

	assert.Equal(t, uint64(7), l.TokenID)
	assert.Equal(t, "20", l.Price)
	assert.Equal(t, "2", l.Bedrooms)
	assert.Equal(t, "3", l.Bathrooms)
	assert.Equal(t, "2200", l.SquareFeet)
	assert.Equal(t, "Condo", l.ResidenceType)
	assert.Equal(t, "2013", l.YearBuilt)
	assert.Equal(t, "1 Main St", l.Address)
	assert.Equal(t, "ipfs://x/7.json", l.MetadataURI)
	assert.Equal(t, "Square Feet", l.Attributes[0].TraitType, "original order is preserved")
}

func TestBuildListing_Aliases(t *testing.T) {
	doc := &metadata.Document{Attributes: []model.Attribute{
		{TraitType: "price", Value: model.StringValue("15.5")},
		{TraitType: "Bedrooms", Value: model.NumberValue("4")},
		{TraitType: "bath_rooms", Value: model.NumberValue("2")},
		{TraitType: "Area", Value: model.NumberValue("1800")},
	}}

	l, err := BuildListing(1, "u", doc)
	require.NoError(t, err)
	assert.Equal(t, "15.5", l.Price)
	assert.Equal(t, "4", l.Bedrooms)
	assert.Equal(t, "2", l.Bathrooms)
	assert.Equal(t, "1800", l.SquareFeet)
	assert.Empty(t, l.YearBuilt)
}

func TestBuildListing_MissingTraits(t *testing.T) {
	doc := &metadata.Document{Attributes: []model.Attribute{
		{TraitType: "Purchase Price", Value: model.NumberValue("20")},
		{TraitType: "Bathrooms", Value: model.StringValue(" ")},
	}}

	_, err := BuildListing(1, "u", doc)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrInvalidMetadata)
	assert.Contains(t, err.Error(), "Bed Rooms")
	assert.Contains(t, err.Error(), "Bathrooms")
	assert.Contains(t, err.Error(), "Square Feet")
}

func TestBuildListing_NonNumericPrice(t *testing.T) {
	doc := validDoc("x")
	doc.Attributes[0].Value = model.StringValue("call us")

	_, err := BuildListing(1, "u", doc)
	assert.ErrorIs(t, err, model.ErrInvalidMetadata)
}
