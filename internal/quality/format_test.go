package quality

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// TestGofmtConsistency verifies every Go source file in the module is
// gofmt-clean: running gofmt -l over the tree must list no files.
func TestGofmtConsistency(t *testing.T) {
	root, err := moduleRoot()
	if err != nil {
		t.Fatalf("find module root: %v", err)
	}

	var goFiles []string
	err = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			name := info.Name()
			// 跳过隐藏目录、vendor 以及下划线开头的非构建目录。
			if name != "." && (strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") || name == "vendor" || name == "node_modules") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(path, ".go") {
			goFiles = append(goFiles, path)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk module: %v", err)
	}
	if len(goFiles) == 0 {
		t.Fatal("no Go files found")
	}

	args := append([]string{"-l"}, goFiles...)
	out, err := exec.Command("gofmt", args...).Output()
	if err != nil {
		t.Fatalf("gofmt: %v", err)
	}
	if listing := strings.TrimSpace(string(out)); listing != "" {
		t.Errorf("files need gofmt:\n%s", listing)
	}
	t.Logf("checked %d Go files", len(goFiles))
}

// moduleRoot walks up from the test's working directory to the
// directory containing go.mod.
func moduleRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", os.ErrNotExist
		}
		dir = parent
	}
}
