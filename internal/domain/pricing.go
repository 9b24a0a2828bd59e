package domain

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
)

// OfferTier grants DiscountPercent off the MRP once a line reaches MinQuantity units.
type OfferTier struct {
	MinQuantity     int
	DiscountPercent int
}

// OfferTable is a tiered-offer table sorted by ascending MinQuantity with unique thresholds.
type OfferTable []OfferTier

// NewOfferTable validates tiers and returns them sorted. Invalid input yields an empty table.
func NewOfferTable(tiers map[int]int) OfferTable {
	if len(tiers) == 0 {
		return nil
	}
	table := make(OfferTable, 0, len(tiers))
	for threshold, discount := range tiers {
		if threshold < 1 || discount < 0 || discount > 100 {
			return nil
		}
		table = append(table, OfferTier{MinQuantity: threshold, DiscountPercent: discount})
	}
	sort.Slice(table, func(i, j int) bool { return table[i].MinQuantity < table[j].MinQuantity })
	return table
}

// Map returns the table as threshold -> discount.
func (t OfferTable) Map() map[int]int {
	if len(t) == 0 {
		return nil
	}
	out := make(map[int]int, len(t))
	for _, tier := range t {
		out[tier.MinQuantity] = tier.DiscountPercent
	}
	return out
}

// StringKeyed renders the table with string thresholds, the shape persisted in document stores.
func (t OfferTable) StringKeyed() map[string]int64 {
	if len(t) == 0 {
		return nil
	}
	out := make(map[string]int64, len(t))
	for _, tier := range t {
		out[strconv.Itoa(tier.MinQuantity)] = int64(tier.DiscountPercent)
	}
	return out
}

// DiscountFor returns the discount percentage applicable to quantity.
func (t OfferTable) DiscountFor(quantity int) int {
	discount, found := 0, false
	for _, tier := range t {
		if tier.MinQuantity > quantity {
			break
		}
		discount, found = tier.DiscountPercent, true
	}
	if found {
		return discount
	}
	for _, tier := range t {
		if tier.MinQuantity == 1 {
			return tier.DiscountPercent
		}
	}
	return 0
}

// ResolveUnitPrice prices a single unit of product for a line of the given quantity.
func ResolveUnitPrice(product Product, quantity int) int64 {
	return ApplyDiscount(product.MRP, product.Offers.DiscountFor(quantity))
}

// ApplyDiscount returns mrp reduced by percent, rounded half-up to the minor unit.
func ApplyDiscount(mrp int64, percent int) int64 {
	if percent <= 0 || mrp <= 0 {
		return mrp
	}
	if percent >= 100 {
		return 0
	}
	return (mrp*int64(100-percent) + 50) / 100
}

// ParseOfferTable converts a loosely-typed offer structure into an OfferTable.
// Accepted shapes are maps keyed by threshold (string or integer) with numeric or numeric-string values,
// or the JSON encoding of such a map. Anything malformed collapses to an empty table.
func ParseOfferTable(raw any) OfferTable {
	switch v := raw.(type) {
	case nil:
		return nil
	case OfferTable:
		return v
	case map[int]int:
		return NewOfferTable(v)
	case string:
		return parseOfferJSON([]byte(v))
	case []byte:
		return parseOfferJSON(v)
	case json.RawMessage:
		return parseOfferJSON(v)
	case map[string]int64:
		tiers := make(map[int]int, len(v))
		for key, value := range v {
			threshold, ok := parseThreshold(key)
			if !ok {
				return nil
			}
			tiers[threshold] = int(value)
		}
		return NewOfferTable(tiers)
	case map[string]any:
		tiers := make(map[int]int, len(v))
		for key, value := range v {
			threshold, ok := parseThreshold(key)
			if !ok {
				return nil
			}
			discount, ok := parseDiscount(value)
			if !ok {
				return nil
			}
			tiers[threshold] = discount
		}
		return NewOfferTable(tiers)
	default:
		return nil
	}
}

func parseOfferJSON(data []byte) OfferTable {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil
	}
	return ParseOfferTable(decoded)
}

func parseThreshold(key string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(key))
	if err != nil {
		return 0, false
	}
	return n, true
}

func parseDiscount(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) || v != math.Trunc(v) {
			return 0, false
		}
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(v), "%")))
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}
