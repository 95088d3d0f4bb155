package catalog

import (
	"fmt"
	"strings"

	"millow-back-onchain/gateway/metadata"
	"millow-back-onchain/model"
)

// traitSpec は属性名の別名と必須かどうか
type traitSpec struct {
	name     model.Trait
	aliases  []string
	required bool
}

var traitSpecs = []traitSpec{
	{name: model.TraitPurchasePrice, aliases: []string{"purchaseprice", "price"}, required: true},
	{name: model.TraitBedrooms, aliases: []string{"bedrooms", "beds"}, required: true},
	{name: model.TraitBathrooms, aliases: []string{"bathrooms", "baths"}, required: true},
	{name: model.TraitSquareFeet, aliases: []string{"squarefeet", "squarefootage", "area", "sqft"}, required: true},
	{name: model.TraitResidenceType, aliases: []string{"typeofresidence", "residencetype"}},
	{name: model.TraitYearBuilt, aliases: []string{"yearbuilt"}},
}

func normalizeTrait(s string) string {
	s = strings.ToLower(s)
	return strings.NewReplacer(" ", "", "_", "", "-", "").Replace(s)
}

// lookupTraits は属性を名前で引く。同名が複数あれば先頭を使う
func lookupTraits(attrs []model.Attribute) map[model.Trait]model.AttributeValue {
	byKey := make(map[string]model.AttributeValue, len(attrs))
	for _, a := range attrs {
		key := normalizeTrait(a.TraitType)
		if _, seen := byKey[key]; !seen {
			byKey[key] = a.Value
		}
	}

	found := make(map[model.Trait]model.AttributeValue, len(traitSpecs))
	for _, spec := range traitSpecs {
		for _, alias := range spec.aliases {
			if v, ok := byKey[alias]; ok {
				found[spec.name] = v
				break
			}
		}
	}
	return found
}

// BuildListing はメタデータを検証して Listing を作る。
// 必須属性がなければ model.ErrInvalidMetadata を返す
func BuildListing(tokenID uint64, uri string, doc *metadata.Document) (model.Listing, error) {
	traits := lookupTraits(doc.Attributes)

	var missing []string
	for _, spec := range traitSpecs {
		v, ok := traits[spec.name]
		if spec.required && (!ok || strings.TrimSpace(v.String()) == "") {
			missing = append(missing, string(spec.name))
		}
	}
	if len(missing) > 0 {
		return model.Listing{}, fmt.Errorf("%w: missing trait(s) %s", model.ErrInvalidMetadata, strings.Join(missing, ", "))
	}

	if _, ok := traits[model.TraitPurchasePrice].Float(); !ok {
		return model.Listing{}, fmt.Errorf("%w: %s %q is not a number",
			model.ErrInvalidMetadata, model.TraitPurchasePrice, traits[model.TraitPurchasePrice].String())
	}

	attrs := make([]model.Attribute, len(doc.Attributes))
	copy(attrs, doc.Attributes)

	return model.Listing{
		TokenID:       tokenID,
		Name:          doc.Name,
		Description:   doc.Description,
		ImageURL:      doc.Image,
		Address:       doc.Address,
		Attributes:    attrs,
		Price:         traits[model.TraitPurchasePrice].String(),
		Bedrooms:      traits[model.TraitBedrooms].String(),
		Bathrooms:     traits[model.TraitBathrooms].String(),
		SquareFeet:    traits[model.TraitSquareFeet].String(),
		ResidenceType: traits[model.TraitResidenceType].String(),
		YearBuilt:     traits[model.TraitYearBuilt].String(),
		MetadataURI:   uri,
	}, nil
}
