package smoke

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// The daemon exposes no network API and no UI; routers and terminal UI
// toolkits must not enter the dependency graph.
func TestSmoke_NoTransportOrUIDependencies(t *testing.T) {
	root := moduleRoot(t)

	// Built from fragments so a source scan of this file does not match.
	banned := []string{
		strings.Join([]string{"github.com/", "gin-", "gonic/"}, ""),
		strings.Join([]string{"github.com/", "labstack/", "echo"}, ""),
		strings.Join([]string{"github.com/", "go-", "chi/"}, ""),
		strings.Join([]string{"github.com/", "gorilla/", "mux"}, ""),
		strings.Join([]string{"github.com/", "charm", "bracelet/"}, ""),
		strings.Join([]string{"github.com/", "coder/", "websocket"}, ""),
	}

	for _, p := range []string{"go.mod", "go.sum"} {
		b, err := os.ReadFile(filepath.Join(root, p))
		if err != nil {
			t.Fatalf("read %s: %v", p, err)
		}
		lower := strings.ToLower(string(b))
		for _, s := range banned {
			if strings.Contains(lower, strings.ToLower(s)) {
				t.Fatalf("found banned dependency %q in %s", s, p)
			}
		}
	}

	if testing.Short() {
		t.Skip("runs go list")
	}
	cmd := exec.Command("go", "list", "-deps", "-f", "{{.ImportPath}}", "./...")
	cmd.Dir = root
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Run(); err != nil {
		t.Fatalf("go list -deps failed: %v\n%s", err, buf.String())
	}
	outLower := strings.ToLower(buf.String())
	for _, s := range banned {
		if strings.Contains(outLower, strings.ToLower(s)) {
			t.Fatalf("found banned import path %q in dependency graph", s)
		}
	}
}
