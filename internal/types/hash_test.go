package types

import "testing"

func TestComputeDataHashDeterministic(t *testing.T) {
	a := map[string]interface{}{
		"displayName": "Ada Lovelace",
		"enabled":     true,
		"groups":      []interface{}{"g1", "g2"},
	}
	b := map[string]interface{}{
		"groups":      []interface{}{"g1", "g2"},
		"enabled":     true,
		"displayName": "Ada Lovelace",
	}

	h1 := ComputeDataHash(TypeIdentities, a)
	h2 := ComputeDataHash(TypeIdentities, b)
	if h1 != h2 {
		t.Errorf("hash differs for identical content: %s vs %s", h1, h2)
	}

	a["displayName"] = "Ada L."
	if h3 := ComputeDataHash(TypeIdentities, a); h3 == h1 {
		t.Error("hash unchanged after content change")
	}
}

func TestComputeDataHashIgnoresChurnFields(t *testing.T) {
	base := map[string]interface{}{
		"userPrincipalName": "ada@example.com",
		"enabled":           true,
	}
	withChurn := map[string]interface{}{
		"userPrincipalName": "ada@example.com",
		"enabled":           true,
		"signInActivity":    map[string]interface{}{"lastSignIn": 1700000000000},
		"lastSeenAt":        1700000000000,
	}

	if ComputeDataHash(TypeIdentities, base) != ComputeDataHash(TypeIdentities, withChurn) {
		t.Error("churn-prone fields influenced the identity hash")
	}

	// signInActivity is churn only for identities; for groups it counts.
	if ComputeDataHash(TypeGroups, base) == ComputeDataHash(TypeGroups, withChurn) {
		t.Error("per-type churn list leaked into groups")
	}
}

func TestComputeDataHashConsumedUnits(t *testing.T) {
	lic := map[string]interface{}{"skuId": "E3", "totalUnits": 10, "consumedUnits": 5}
	lic2 := map[string]interface{}{"skuId": "E3", "totalUnits": 10, "consumedUnits": 9}
	if ComputeDataHash(TypeLicenses, lic) != ComputeDataHash(TypeLicenses, lic2) {
		t.Error("consumedUnits should not churn license hashes")
	}
}

func TestComputeDataHashNestedMapsSorted(t *testing.T) {
	a := map[string]interface{}{
		"conditions": map[string]interface{}{"users": []interface{}{"u1"}, "apps": "All"},
	}
	b := map[string]interface{}{
		"conditions": map[string]interface{}{"apps": "All", "users": []interface{}{"u1"}},
	}
	if ComputeDataHash(TypePolicies, a) != ComputeDataHash(TypePolicies, b) {
		t.Error("nested map key order influenced the hash")
	}
}

func TestComputeDataHashNil(t *testing.T) {
	if ComputeDataHash(TypeIdentities, nil) == "" {
		t.Error("nil raw data should still hash")
	}
}
