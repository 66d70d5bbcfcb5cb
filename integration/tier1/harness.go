//go:build integration

package tier1

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/moonlight-kernel/patchsync/internal/testutil"
)

const defaultTimeout = 5 * time.Minute

// Harness builds the patchsync binary and runs it against a fake upstream
// that serves files from memory
type Harness struct {
	t        *testing.T
	binary   string
	workDir  string
	upstream *httptest.Server

	mu    sync.Mutex
	files map[string]string
	hits  map[string]int
}

// NewHarness creates a new test harness with an empty upstream
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	h := &Harness{
		t:       t,
		workDir: t.TempDir(),
		files:   make(map[string]string),
		hits:    make(map[string]int),
	}
	h.upstream = httptest.NewServer(http.HandlerFunc(h.serve))
	t.Cleanup(h.upstream.Close)
	return h
}

func (h *Harness) serve(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.hits[r.URL.Path]++
	body, ok := h.files[r.URL.Path]
	if !ok {
		http.NotFound(w, r)
		return
	}
	_, _ = io.WriteString(w, body)
}

// BuildBinary compiles cmd/patchsync into the harness work directory
func (h *Harness) BuildBinary(ctx context.Context) error {
	h.t.Helper()

	projectRoot, err := testutil.FindProjectRoot()
	if err != nil {
		return fmt.Errorf("get project root: %w", err)
	}

	h.binary = filepath.Join(h.workDir, "patchsync")
	h.t.Logf("Building %s", h.binary)

	cmd := exec.CommandContext(ctx, "go", "build", "-o", h.binary, "./cmd/patchsync")
	cmd.Dir = projectRoot
	cmd.Stdout = &testWriter{t: h.t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[build] "}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("go build: %w", err)
	}
	return nil
}

// URL returns the upstream URL for a path
func (h *Harness) URL(path string) string {
	return h.upstream.URL + "/" + strings.TrimPrefix(path, "/")
}

// Serve publishes content at path on the upstream
func (h *Harness) Serve(path, content string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.files["/"+strings.TrimPrefix(path, "/")] = content
}

// Unserve makes path return 404
func (h *Harness) Unserve(path string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.files, "/"+strings.TrimPrefix(path, "/"))
}

// Hits returns how often path was requested
func (h *Harness) Hits(path string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hits["/"+strings.TrimPrefix(path, "/")]
}

// Path returns a path inside the harness work directory
func (h *Harness) Path(elem ...string) string {
	return filepath.Join(append([]string{h.workDir}, elem...)...)
}

// Exec runs the binary and returns its stdout, stderr and exit code
func (h *Harness) Exec(ctx context.Context, args ...string) (string, string, int, error) {
	h.t.Helper()
	if h.binary == "" {
		return "", "", 0, fmt.Errorf("binary not built")
	}

	cmd := exec.CommandContext(ctx, h.binary, args...)
	cmd.Dir = h.workDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return "", "", 0, fmt.Errorf("exec failed: %w", err)
		}
	}

	return stdout.String(), stderr.String(), exitCode, nil
}

// MustExec runs the binary and fails the test if it returns non-zero
func (h *Harness) MustExec(ctx context.Context, args ...string) (string, string) {
	h.t.Helper()
	stdout, stderr, exitCode, err := h.Exec(ctx, args...)
	if err != nil {
		h.t.Fatalf("exec failed: %v", err)
	}
	if exitCode != 0 {
		h.t.Fatalf("command failed with exit code %d\nstdout: %s\nstderr: %s\nargs: %v",
			exitCode, stdout, stderr, args)
	}
	return stdout, stderr
}

// WriteFile writes a file below the work directory
func (h *Harness) WriteFile(path, content string) error {
	h.t.Helper()
	full := h.Path(path)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return fmt.Errorf("mkdir parent: %w", err)
	}
	return os.WriteFile(full, []byte(content), 0644)
}

// ReadFile reads a file below the work directory
func (h *Harness) ReadFile(path string) (string, error) {
	h.t.Helper()
	data, err := os.ReadFile(h.Path(path))
	return string(data), err
}

// FileExists checks if a regular file exists below the work directory
func (h *Harness) FileExists(path string) bool {
	h.t.Helper()
	info, err := os.Stat(h.Path(path))
	return err == nil && info.Mode().IsRegular()
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	lines := strings.Split(string(p), "\n")
	for _, line := range lines {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)
