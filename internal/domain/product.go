package domain

import (
	"strings"
)

type RestrictionKind string

const (
	RestrictionPublic      RestrictionKind = "public"
	RestrictionAssetGated  RestrictionKind = "asset_gated"
	RestrictionLocaleGated RestrictionKind = "locale_gated"
)

type Restriction struct {
	Kind          RestrictionKind `json:"kind"`
	RequiredAsset string          `json:"requiredAsset,omitempty"`
	Locales       []string        `json:"locales,omitempty"`
}

type Product struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	UnitPrice   int64       `json:"unitPrice"`
	Currency    string      `json:"currency"`
	MintsAsset  bool        `json:"mintsAsset"`
	MetadataURI string      `json:"metadataUri,omitempty"`
	Restriction Restriction `json:"restriction"`
}

// Holdings is what the coordinator knows about a principal when checking
// eligibility.
type Holdings struct {
	Assets map[string]bool
	Locale string
}

func (h Holdings) Holds(asset string) bool {
	return h.Assets[asset]
}

// Eligible checks a product restriction against holdings.
func (r Restriction) Eligible(h Holdings) bool {
	switch r.Kind {
	case "", RestrictionPublic:
		return true
	case RestrictionAssetGated:
		return r.RequiredAsset != "" && h.Holds(r.RequiredAsset)
	case RestrictionLocaleGated:
		for _, l := range r.Locales {
			if strings.EqualFold(l, h.Locale) {
				return true
			}
		}
		return false
	default:
		return false
	}
}
