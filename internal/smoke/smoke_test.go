package smoke

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func moduleRoot(t *testing.T) string {
	t.Helper()

	cmd := exec.Command("go", "env", "GOMOD")
	out, err := cmd.Output()
	if err != nil {
		t.Fatalf("go env GOMOD: %v", err)
	}
	gomod := strings.TrimSpace(string(out))
	if gomod == "" || gomod == os.DevNull {
		t.Fatalf("go env GOMOD returned %q; expected path to go.mod", gomod)
	}
	return filepath.Dir(gomod)
}

// buildPackage compiles pkg (relative to the module root) into a temp dir.
func buildPackage(t *testing.T, pkg, name string) string {
	t.Helper()
	if testing.Short() {
		t.Skip("builds binaries")
	}
	root := moduleRoot(t)
	outPath := filepath.Join(t.TempDir(), name)
	cmd := exec.Command("go", "build", "-o", outPath, pkg)
	cmd.Dir = root
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Run(); err != nil {
		t.Fatalf("go build %s failed: %v\n%s", pkg, err, buf.String())
	}
	return outPath
}

func buildFabricd(t *testing.T) string {
	t.Helper()
	return buildPackage(t, "./cmd/fabricd", "fabricd")
}

func TestSmoke_BuildsFabricdBinary(t *testing.T) {
	outPath := buildFabricd(t)

	fi, err := os.Stat(outPath)
	if err != nil {
		t.Fatalf("stat built binary: %v", err)
	}
	if fi.Size() <= 0 {
		t.Fatalf("built binary has unexpected size %d", fi.Size())
	}

	out, err := exec.Command(outPath, "version").CombinedOutput()
	if err != nil {
		t.Fatalf("fabricd version: %v\n%s", err, out)
	}
	if !strings.HasPrefix(strings.TrimSpace(string(out)), "v") {
		t.Fatalf("unexpected version output %q", out)
	}
}
