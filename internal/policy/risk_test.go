package policy_test

import (
	"testing"

	"github.com/basket/datafabric/internal/policy"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		action, resource string
		want             policy.RiskLevel
	}{
		{"read_file", "repo:app", policy.RiskLow},
		{"list_products", "catalog", policy.RiskLow},
		{"update_config", "app:staging", policy.RiskMedium},
		{"frobnicate", "thing", policy.RiskMedium},
		{"deploy_service", "svc:staging", policy.RiskHigh},
		{"drop_table", "db:staging", policy.RiskHigh},
		{"read_metrics", "db:production", policy.RiskHigh},
		{"delete_prod_db", "db:prod", policy.RiskCritical},
		{"wipe_disk", "host:dev", policy.RiskCritical},
		{"DELETE_TABLE", "DB:PROD", policy.RiskCritical},
	}
	for _, tc := range cases {
		if got := policy.Classify(tc.action, tc.resource); got != tc.want {
			t.Errorf("Classify(%q, %q) = %s, want %s", tc.action, tc.resource, got, tc.want)
		}
	}
}

func TestActionClass(t *testing.T) {
	cases := []struct {
		action string
		risk   policy.RiskLevel
		want   string
	}{
		{"deploy_service", policy.RiskHigh, "deploy"},
		{"drop_table", policy.RiskHigh, "delete"},
		{"delete_prod_db", policy.RiskCritical, "delete"},
		{"read_file", policy.RiskLow, "read"},
		{"update_config", policy.RiskMedium, "write"},
		{"rotate_keys", policy.RiskHigh, "high_risk"},
		{"wipe_disk", policy.RiskCritical, "critical"},
	}
	for _, tc := range cases {
		if got := policy.ActionClass(tc.action, tc.risk); got != tc.want {
			t.Errorf("ActionClass(%q, %s) = %q, want %q", tc.action, tc.risk, got, tc.want)
		}
	}
}

func TestParseRiskLevel(t *testing.T) {
	for in, want := range map[string]policy.RiskLevel{"": policy.RiskUnset, "LOW": policy.RiskLow, " critical ": policy.RiskCritical} {
		got, err := policy.ParseRiskLevel(in)
		if err != nil || got != want {
			t.Fatalf("ParseRiskLevel(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := policy.ParseRiskLevel("severe"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}
