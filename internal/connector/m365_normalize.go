package connector

import (
	"strings"
	"time"

	"github.com/kestrelsec/postured/internal/types"
)

// NormalizeM365 reduces a raw Graph-shaped record to the flat field set the
// linkers and analyzers read. Raw records are preserved verbatim on the
// entity, so normalization only has to carry what downstream consumers use.
func NormalizeM365(t types.EntityType, raw map[string]interface{}) map[string]interface{} {
	switch t {
	case types.TypeIdentities:
		return map[string]interface{}{
			"displayName":       rawString(raw, "displayName"),
			"userPrincipalName": rawString(raw, "userPrincipalName"),
			"enabled":           rawBool(raw, "accountEnabled"),
			"lastLogin":         lastLoginMillis(raw),
			"groups":            idList(raw["memberOf"]),
			"licenses":          skuList(raw["assignedLicenses"]),
		}
	case types.TypeGroups:
		return map[string]interface{}{
			"displayName": rawString(raw, "displayName"),
			"members":     idList(raw["members"]),
			"groups":      idList(raw["memberOf"]),
		}
	case types.TypeRoles:
		return map[string]interface{}{
			"displayName": rawString(raw, "displayName"),
			"members":     idList(raw["members"]),
		}
	case types.TypePolicies:
		return normalizePolicy(raw)
	case types.TypeLicenses:
		prepaid, _ := raw["prepaidUnits"].(map[string]interface{})
		return map[string]interface{}{
			"skuId":         rawString(raw, "skuId"),
			"skuPartNumber": rawString(raw, "skuPartNumber"),
			"totalUnits":    rawNumber(prepaid, "enabled"),
			"consumedUnits": rawNumber(raw, "consumedUnits"),
			"assignedTo":    idList(raw["assignedTo"]),
		}
	case types.TypeEndpoints:
		return map[string]interface{}{
			"displayName":     rawString(raw, "deviceName"),
			"os":              rawString(raw, "operatingSystem"),
			"complianceState": rawString(raw, "complianceState"),
		}
	case types.TypeCompanies:
		return map[string]interface{}{
			"displayName": rawString(raw, "displayName"),
			"domain":      rawString(raw, "defaultDomainName"),
		}
	}
	return map[string]interface{}{}
}

// M365ExternalID extracts the Graph object id.
func M365ExternalID(t types.EntityType, raw map[string]interface{}) string {
	return rawString(raw, "id")
}

func normalizePolicy(raw map[string]interface{}) map[string]interface{} {
	if rawBool(raw, "securityDefaults") {
		return map[string]interface{}{
			"displayName":      rawString(raw, "displayName"),
			"securityDefaults": true,
			"enabled":          rawBool(raw, "isEnabled"),
		}
	}
	grant, _ := raw["grantControls"].(map[string]interface{})
	conditions, _ := raw["conditions"].(map[string]interface{})
	users, _ := conditions["users"].(map[string]interface{})
	apps, _ := conditions["applications"].(map[string]interface{})

	mfa := false
	for _, c := range stringList(grant["builtInControls"]) {
		if strings.EqualFold(c, "mfa") {
			mfa = true
		}
	}
	includeApps := stringList(apps["includeApplications"])
	allApps := len(includeApps) == 0
	for _, a := range includeApps {
		if a == "All" {
			allApps = true
		}
	}

	return map[string]interface{}{
		"displayName":      rawString(raw, "displayName"),
		"securityDefaults": false,
		"enabled":          rawString(raw, "state") == "enabled",
		"mfaRequired":      mfa,
		"includeUsers":     stringList(users["includeUsers"]),
		"excludeUsers":     stringList(users["excludeUsers"]),
		"includeGroups":    stringList(users["includeGroups"]),
		"excludeGroups":    stringList(users["excludeGroups"]),
		"allApps":          allApps,
	}
}

// lastLoginMillis reads signInActivity.lastSignInDateTime, accepting either
// an RFC3339 string or an epoch-millis number.
func lastLoginMillis(raw map[string]interface{}) float64 {
	activity, _ := raw["signInActivity"].(map[string]interface{})
	switch v := activity["lastSignInDateTime"].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case string:
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			return float64(ts.UnixMilli())
		}
	}
	return 0
}

func rawString(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}

func rawBool(m map[string]interface{}, key string) bool {
	b, _ := m[key].(bool)
	return b
}

func rawNumber(m map[string]interface{}, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

// stringList flattens a raw JSON array of strings.
func stringList(v interface{}) []string {
	items, ok := v.([]interface{})
	if !ok {
		if ss, ok := v.([]string); ok {
			return ss
		}
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// idList flattens a raw array of either string ids or {"id": ...} objects.
func idList(v interface{}) []string {
	items, ok := v.([]interface{})
	if !ok {
		if ss, ok := v.([]string); ok {
			return ss
		}
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		switch e := it.(type) {
		case string:
			out = append(out, e)
		case map[string]interface{}:
			if id := rawString(e, "id"); id != "" {
				out = append(out, id)
			}
		}
	}
	return out
}

// skuList extracts skuIds from an assignedLicenses array.
func skuList(v interface{}) []string {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if m, ok := it.(map[string]interface{}); ok {
			if id := rawString(m, "skuId"); id != "" {
				out = append(out, id)
			}
		}
	}
	return out
}
