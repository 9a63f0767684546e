package types

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// churnFields lists per-entity-type raw fields that change on nearly every
// fetch and must not influence change detection. Fields listed under "" are
// stripped for every entity type.
var churnFields = map[EntityType][]string{
	"": {
		"lastSeenAt",
		"updatedAt",
		"createdAt",
		"fetchedAt",
		"_ts",
	},
	TypeIdentities: {
		"signInActivity",
		"lastLogin",
		"lastNonInteractiveSignIn",
		"refreshTokensValidFromDateTime",
	},
	TypeEndpoints: {
		"lastContact",
		"lastBootTime",
		"uptime",
	},
	TypeLicenses: {
		"consumedUnits",
	},
}

// ComputeDataHash fingerprints a raw record for change detection. Churn-prone
// fields for the entity type are removed, the remainder is serialized as
// canonical JSON (sorted keys at every level), and the result is hashed with
// SHA-256. Identical content always produces an identical hash.
func ComputeDataHash(entityType EntityType, raw map[string]interface{}) string {
	if raw == nil {
		raw = map[string]interface{}{}
	}
	pruned := make(map[string]interface{}, len(raw))
	for k, v := range raw {
		pruned[k] = v
	}
	for _, f := range churnFields[""] {
		delete(pruned, f)
	}
	for _, f := range churnFields[entityType] {
		delete(pruned, f)
	}

	h := sha256.New()
	writeCanonical(h, pruned)
	return fmt.Sprintf("%x", h.Sum(nil))
}

// writeCanonical emits a deterministic byte form of a JSON-shaped value.
// Maps are written with sorted keys; everything else uses encoding/json,
// which is already deterministic for scalars and slices.
func writeCanonical(h interface{ Write([]byte) (int, error) }, v interface{}) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		h.Write([]byte{'{'})
		for i, k := range keys {
			if i > 0 {
				h.Write([]byte{','})
			}
			h.Write([]byte(strconv.Quote(k)))
			h.Write([]byte{':'})
			writeCanonical(h, val[k])
		}
		h.Write([]byte{'}'})
	case []interface{}:
		h.Write([]byte{'['})
		for i, item := range val {
			if i > 0 {
				h.Write([]byte{','})
			}
			writeCanonical(h, item)
		}
		h.Write([]byte{']'})
	default:
		b, err := json.Marshal(v)
		if err != nil {
			// Unmarshalable values (chan, func) cannot appear in data that
			// round-tripped through JSON; fall back to a stable sentinel.
			b = []byte("null")
		}
		h.Write(b)
	}
}
