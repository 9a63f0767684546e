package types

import "testing"

func TestSeverityRankOrdering(t *testing.T) {
	ordered := []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}
	for i := 1; i < len(ordered); i++ {
		if ordered[i].Rank() <= ordered[i-1].Rank() {
			t.Errorf("%s should rank above %s", ordered[i], ordered[i-1])
		}
	}
	if Severity("bogus").Rank() != 0 {
		t.Error("unknown severity should rank 0")
	}
}

func TestStateForSeverity(t *testing.T) {
	cases := []struct {
		sev  Severity
		want EntityState
	}{
		{SeverityLow, StateLow},
		{SeverityMedium, StateWarn},
		{SeverityHigh, StateHigh},
		{SeverityCritical, StateCritical},
		{"", StateNormal},
	}
	for _, tc := range cases {
		if got := StateForSeverity(tc.sev); got != tc.want {
			t.Errorf("StateForSeverity(%q) = %q, want %q", tc.sev, got, tc.want)
		}
	}
}

func TestDataSourceDomainMappings(t *testing.T) {
	ds := &DataSource{
		Config: map[string]interface{}{
			"domainMappings": []interface{}{
				map[string]interface{}{"domain": "example.com", "siteId": "site1"},
				map[string]interface{}{"domain": "corp.example.com", "siteId": "site2"},
				map[string]interface{}{"domain": ""}, // incomplete, dropped
			},
			"clientId": "abc", // vendor-specific keys ignored
		},
	}

	mappings := ds.DomainMappings()
	if len(mappings) != 2 {
		t.Fatalf("expected 2 mappings, got %d", len(mappings))
	}
	if mappings[0].Domain != "example.com" || mappings[0].SiteID != "site1" {
		t.Errorf("unexpected first mapping: %+v", mappings[0])
	}
}

func TestDataSourceDomainMappingsAbsent(t *testing.T) {
	ds := &DataSource{Config: map[string]interface{}{}}
	if got := ds.DomainMappings(); got != nil {
		t.Errorf("expected nil mappings, got %v", got)
	}
}

func TestSupportedTypeDefaults(t *testing.T) {
	st := SupportedType{Type: TypeIdentities}
	if st.EffectivePriority() != DefaultSyncPriority {
		t.Errorf("priority default = %d", st.EffectivePriority())
	}
	if st.EffectiveRateMinutes() != DefaultSyncRateMinutes {
		t.Errorf("rate default = %d", st.EffectiveRateMinutes())
	}

	st = SupportedType{Type: TypeIdentities, Priority: 9, RateMinutes: 15}
	if st.EffectivePriority() != 9 || st.EffectiveRateMinutes() != 15 {
		t.Error("explicit values not honored")
	}
}

func TestTenantJobLimit(t *testing.T) {
	if (&Tenant{}).JobLimit() != DefaultConcurrentJobLimit {
		t.Error("default job limit not applied")
	}
	if (&Tenant{ConcurrentJobLimit: 2}).JobLimit() != 2 {
		t.Error("explicit job limit not honored")
	}
}

func TestEntityNormalizedAccessors(t *testing.T) {
	e := &Entity{NormalizedData: map[string]interface{}{
		"displayName": "Ada",
		"enabled":     true,
		"groups":      []interface{}{"g1", "g2"},
		"totalUnits":  float64(10),
	}}

	if e.Normalized("displayName") != "Ada" {
		t.Error("Normalized string accessor failed")
	}
	if !e.NormalizedBool("enabled") {
		t.Error("NormalizedBool failed")
	}
	if got := e.NormalizedStrings("groups"); len(got) != 2 || got[0] != "g1" {
		t.Errorf("NormalizedStrings = %v", got)
	}
	if n, ok := e.NormalizedNumber("totalUnits"); !ok || n != 10 {
		t.Errorf("NormalizedNumber = %v, %v", n, ok)
	}
	if _, ok := e.NormalizedNumber("missing"); ok {
		t.Error("NormalizedNumber reported a missing field")
	}
}

func TestUnifiedAnalysisEventAllFindings(t *testing.T) {
	ev := &UnifiedAnalysisEvent{
		AnalysisTypes: []string{"mfa", "stale_user"},
		Findings: map[string][]Finding{
			"stale_user": {{Fingerprint: "stale_user:e1"}},
			"mfa":        {{Fingerprint: "mfa_not_enforced:e1"}, {Fingerprint: "mfa_partial_enforced:e2"}},
		},
	}
	all := ev.AllFindings()
	if len(all) != 3 {
		t.Fatalf("expected 3 findings, got %d", len(all))
	}
	// Declared order, mfa first.
	if all[0].Fingerprint != "mfa_not_enforced:e1" || all[2].Fingerprint != "stale_user:e1" {
		t.Errorf("findings not in declared analysis-type order: %v", all)
	}
}
