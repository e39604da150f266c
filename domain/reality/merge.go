package reality

import (
	"bytes"
	"encoding/json"
	"math/rand"

	jsonpatch "github.com/evanphx/json-patch/v5"
)

// MergeStrategy selects how two response bodies combine.
type MergeStrategy string

const (
	PreferExisting    MergeStrategy = "prefer_existing"
	PreferIncoming    MergeStrategy = "prefer_incoming"
	FieldLevel        MergeStrategy = "field_level"
	WeightedSelection MergeStrategy = "weighted_selection"
	BodyBlend         MergeStrategy = "body_blend"
)

// merge combines mock and other (live or recorded) at the given ratio.
// ratio is the weight of the non-mock side. Falls back to whole-body
// selection when either side is not JSON.
func merge(strategy MergeStrategy, mock, other []byte, ratio float64, rng *rand.Rand, numericAvg map[string]bool) []byte {
	switch strategy {
	case PreferExisting:
		// Mock values win; fields absent on the mock side fill in from the
		// other. RFC 7386: patch values override the original's.
		if merged, err := jsonpatch.MergePatch(other, mock); err == nil {
			return merged
		}
		return mock
	case PreferIncoming:
		if merged, err := jsonpatch.MergePatch(mock, other); err == nil {
			return merged
		}
		return other
	case WeightedSelection:
		if rng.Float64() < 1-ratio {
			return mock
		}
		return other
	case BodyBlend, FieldLevel:
		mv, okM := decode(mock)
		ov, okO := decode(other)
		if !okM || !okO {
			if rng.Float64() < 1-ratio {
				return mock
			}
			return other
		}
		var blended interface{}
		if strategy == BodyBlend {
			blended = blendValue(mv, ov, ratio, rng)
		} else {
			blended = fieldLevelValue(mv, ov, "", ratio, rng, numericAvg)
		}
		out, err := json.Marshal(blended)
		if err != nil {
			return mock
		}
		return out
	default:
		return mock
	}
}

func decode(b []byte) (interface{}, bool) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, false
	}
	return v, true
}

// fieldLevelValue deep-merges two values: scalars present on both sides are
// picked probabilistically (mock with probability 1-ratio), numeric fields
// on the average list are weighted-averaged, arrays concatenate then
// truncate to the longer input, and objects recurse.
func fieldLevelValue(mock, other interface{}, field string, ratio float64, rng *rand.Rand, numericAvg map[string]bool) interface{} {
	mo, mockIsObj := mock.(map[string]interface{})
	oo, otherIsObj := other.(map[string]interface{})
	if mockIsObj && otherIsObj {
		out := make(map[string]interface{}, len(mo)+len(oo))
		for k, mv := range mo {
			if ov, both := oo[k]; both {
				out[k] = fieldLevelValue(mv, ov, k, ratio, rng, numericAvg)
			} else {
				out[k] = mv
			}
		}
		for k, ov := range oo {
			if _, both := mo[k]; !both {
				out[k] = ov
			}
		}
		return out
	}

	ma, mockIsArr := mock.([]interface{})
	oa, otherIsArr := other.([]interface{})
	if mockIsArr && otherIsArr {
		limit := len(ma)
		if len(oa) > limit {
			limit = len(oa)
		}
		concat := append(append([]interface{}{}, ma...), oa...)
		if len(concat) > limit {
			concat = concat[:limit]
		}
		return concat
	}

	// Scalars (or mismatched shapes) present on both sides.
	if numericAvg[field] {
		if mf, ok1 := toFloat(mock); ok1 {
			if of, ok2 := toFloat(other); ok2 {
				return mf*(1-ratio) + of*ratio
			}
		}
	}
	if rng.Float64() < 1-ratio {
		return mock
	}
	return other
}

// blendValue implements body_blend: numeric scalars average, arrays
// interleave round-robin, objects deep-merge recursively.
func blendValue(mock, other interface{}, ratio float64, rng *rand.Rand) interface{} {
	mo, mockIsObj := mock.(map[string]interface{})
	oo, otherIsObj := other.(map[string]interface{})
	if mockIsObj && otherIsObj {
		out := make(map[string]interface{}, len(mo)+len(oo))
		for k, mv := range mo {
			if ov, both := oo[k]; both {
				out[k] = blendValue(mv, ov, ratio, rng)
			} else {
				out[k] = mv
			}
		}
		for k, ov := range oo {
			if _, both := mo[k]; !both {
				out[k] = ov
			}
		}
		return out
	}

	ma, mockIsArr := mock.([]interface{})
	oa, otherIsArr := other.([]interface{})
	if mockIsArr && otherIsArr {
		out := make([]interface{}, 0, len(ma)+len(oa))
		for i := 0; i < len(ma) || i < len(oa); i++ {
			if i < len(ma) {
				out = append(out, ma[i])
			}
			if i < len(oa) {
				out = append(out, oa[i])
			}
		}
		return out
	}

	if mf, ok1 := toFloat(mock); ok1 {
		if of, ok2 := toFloat(other); ok2 {
			return mf*(1-ratio) + of*ratio
		}
	}
	if rng.Float64() < 1-ratio {
		return mock
	}
	return other
}

func toFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case float64:
		return t, true
	case int:
		return float64(t), true
	default:
		return 0, false
	}
}
