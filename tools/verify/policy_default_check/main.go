package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/basket/datafabric/internal/persistence"
	"github.com/basket/datafabric/internal/policy"
)

const tenant = "verify"

func main() {
	dir, err := os.MkdirTemp("", "fabric-policy-verify-*")
	if err != nil {
		fmt.Printf("mktemp_error=%v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(dir)

	store, err := persistence.Open(filepath.Join(dir, "fabric.db"), nil)
	if err != nil {
		fmt.Printf("open_store_error=%v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	eng, err := policy.New(store, store, policy.Options{})
	if err != nil {
		fmt.Printf("engine_error=%v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	ok := true
	expect := func(name, action, resource string, want policy.Verdict) {
		dec, err := eng.Check(ctx, tenant, policy.CheckRequest{Action: action, Actor: "verify", Resource: resource})
		if err != nil {
			fmt.Printf("%s_error=%v\n", name, err)
			ok = false
			return
		}
		fmt.Printf("%s=%s risk=%s version=%s\n", name, dec.Verdict, dec.RiskLevel, dec.PolicyVersion)
		if dec.Verdict != want {
			ok = false
		}
	}
	expectTrue := func(name string, got bool) {
		fmt.Printf("%s=%v\n", name, got)
		if !got {
			ok = false
		}
	}

	// No bundle stored: the builtin bundle answers.
	expect("default_read", "read_file", "repo:app", policy.VerdictAllow)
	expect("default_unknown_action", "frobnicate", "repo:app", policy.VerdictDeny)
	expect("default_delete_prod", "delete_prod_db", "db:prod", policy.VerdictEscalate)
	expect("default_credential_export", "export_credentials", "vault:main", policy.VerdictDeny)
	expect("default_health", "health_check", "svc:api", policy.VerdictAllow)

	valid := filepath.Join(dir, "v1.yaml")
	if err := os.WriteFile(valid, []byte("rules:\n  - id: allow-deploy\n    action: deploy\n    verdict: allow\n"), 0o644); err != nil {
		fmt.Printf("write_valid_error=%v\n", err)
		os.Exit(1)
	}
	if _, err := eng.LoadBundleFile(ctx, valid, true); err != nil {
		fmt.Printf("load_valid_error=%v\n", err)
		os.Exit(1)
	}
	expect("bundle_deploy", "deploy", "svc:api", policy.VerdictAllow)

	invalid := filepath.Join(dir, "v2.yaml")
	if err := os.WriteFile(invalid, []byte("rules: [{id: x, verdict: maybe}]\n"), 0o644); err != nil {
		fmt.Printf("write_invalid_error=%v\n", err)
		os.Exit(1)
	}
	_, loadErr := eng.LoadBundleFile(ctx, invalid, true)
	expectTrue("invalid_bundle_rejected", loadErr != nil)

	active, err := eng.ActiveVersion(ctx)
	if err != nil {
		fmt.Printf("active_version_error=%v\n", err)
		os.Exit(1)
	}
	expectTrue("retain_previous_version", active == "v1")
	expect("retain_previous_rule", "deploy", "svc:api", policy.VerdictAllow)

	if !ok {
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}
