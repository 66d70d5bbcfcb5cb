package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/moonlight-kernel/patchsync/internal/testutil"
)

func TestLoad(t *testing.T) {
	// Create a temporary config file
	tmpfile, err := os.CreateTemp("", "config-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		_ = os.Remove(tmpfile.Name())
	}()

	content := `
kernel_version: "6.6"
scheduler_revision: "5.0.1"

paths:
  output_dir: "/srv/kernel"

sync:
  mode: direct

fetch:
  timeout: 30s
  concurrency: 4

outputs:
  - name: config
    verbatim: true
    sources:
      - url: "https://example.com/linux-{{ .KernelVersion }}/config"
  - name: 0003-ck.patch
    sources:
      - base_url: "https://example.com/linux-{{ .KernelVersion }}.y"
        files:
          - "bore-{{ .SchedulerRevision }}.patch"
`

	if _, err := tmpfile.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := tmpfile.Close(); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(tmpfile.Name())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Sync.Mode != ModeDirect {
		t.Errorf("expected mode direct, got %s", cfg.Sync.Mode)
	}
	if cfg.Fetch.Timeout != 30*time.Second {
		t.Errorf("expected timeout 30s, got %s", cfg.Fetch.Timeout)
	}
	if cfg.Fetch.Concurrency != 4 {
		t.Errorf("expected concurrency 4, got %d", cfg.Fetch.Concurrency)
	}
	if got, want := cfg.Outputs[0].Sources[0].URL, "https://example.com/linux-6.6/config"; got != want {
		t.Errorf("url = %q, want %q", got, want)
	}
	if got, want := cfg.Outputs[1].Sources[0].BaseURL, "https://example.com/linux-6.6.y"; got != want {
		t.Errorf("base_url = %q, want %q", got, want)
	}
	if got, want := cfg.Outputs[1].Sources[0].Files[0], "bore-5.0.1.patch"; got != want {
		t.Errorf("files[0] = %q, want %q", got, want)
	}
	if got, want := cfg.OutputPath("config"), "/srv/kernel/config"; got != want {
		t.Errorf("OutputPath = %q, want %q", got, want)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(`
outputs:
  - name: config
    sources:
      - url: "https://example.com/config"
`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.Paths.OutputDir != "." {
		t.Errorf("output_dir = %q, want %q", cfg.Paths.OutputDir, ".")
	}
	if cfg.Paths.LocalPatchDir != "patches" {
		t.Errorf("local_patch_dir = %q, want %q", cfg.Paths.LocalPatchDir, "patches")
	}
	if cfg.Sync.Mode != ModeStaged {
		t.Errorf("mode = %q, want %q", cfg.Sync.Mode, ModeStaged)
	}
	if cfg.Fetch.Concurrency != 1 {
		t.Errorf("concurrency = %d, want 1", cfg.Fetch.Concurrency)
	}
	if len(cfg.Paths.Cleanup) != 2 {
		t.Errorf("cleanup = %v, want [*.patch config]", cfg.Paths.Cleanup)
	}
	if got, want := cfg.StateFilePath(), ".patchsync-state.json"; got != want {
		t.Errorf("StateFilePath = %q, want %q", got, want)
	}
}

func TestParse_UnknownTemplateField(t *testing.T) {
	_, err := Parse([]byte(`
outputs:
  - name: config
    sources:
      - url: "https://example.com/{{ .Nope }}/config"
`))
	if err == nil {
		t.Fatal("expected error for unknown template field")
	}
}

func TestParse_ExpandsEnv(t *testing.T) {
	t.Setenv("PATCHSYNC_TEST_DIR", "/tmp/out")

	cfg, err := Parse([]byte(`
paths:
  output_dir: "$PATCHSYNC_TEST_DIR"
outputs:
  - name: config
    sources:
      - url: "https://example.com/config"
`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Paths.OutputDir != "/tmp/out" {
		t.Errorf("output_dir = %q, want /tmp/out", cfg.Paths.OutputDir)
	}
}

func TestDefault(t *testing.T) {
	cfg, err := Default()
	if err != nil {
		t.Fatalf("Default failed: %v", err)
	}

	wantNames := []string{
		"config",
		"0001-more-uarches.patch",
		"0002-arch.patch",
		"0003-ck-hrtimer.patch",
		"0004-clear.patch",
		"0005-BORE.patch",
		"0005-BORE-tuned.patch",
		"0005-TT.patch",
		"0006-bbr2.patch",
		"0007-random.patch",
	}
	if len(cfg.Outputs) != len(wantNames) {
		t.Fatalf("default config has %d outputs, want %d", len(cfg.Outputs), len(wantNames))
	}
	for i, name := range wantNames {
		if cfg.Outputs[i].Name != name {
			t.Errorf("outputs[%d] = %q, want %q", i, cfg.Outputs[i].Name, name)
		}
	}

	if !cfg.Outputs[0].Verbatim {
		t.Error("kernel config output should be verbatim")
	}
	for _, out := range cfg.Outputs {
		for _, src := range out.Sources {
			for _, s := range []string{src.URL, src.BaseURL, src.Local} {
				if strings.Contains(s, "{{") {
					t.Errorf("output %s has unexpanded template %q", out.Name, s)
				}
			}
		}
	}
	if got, want := cfg.Outputs[5].Sources[0].Local, "bore/0001-linux6.1.y-bore2.2.3.patch"; got != want {
		t.Errorf("BORE local = %q, want %q", got, want)
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	root, err := testutil.FindProjectRoot()
	if err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(filepath.Join(root, "patchsync.example.yaml"))
	if err != nil {
		t.Fatalf("example config does not load: %v", err)
	}
	if len(cfg.EnabledOutputs()) == 0 {
		t.Error("example config has no enabled outputs")
	}
}

func TestValidate(t *testing.T) {
	validOutput := Output{
		Name:    "0001-a.patch",
		Sources: []Source{{URL: "https://example.com/a.patch"}},
	}

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name: "valid config",
			cfg: Config{
				Sync:    SyncConfig{Mode: ModeStaged},
				Outputs: []Output{validOutput},
			},
			wantErr: false,
		},
		{
			name: "invalid mode",
			cfg: Config{
				Sync:    SyncConfig{Mode: "bogus"},
				Outputs: []Output{validOutput},
			},
			wantErr: true,
		},
		{
			name:    "no outputs",
			cfg:     Config{Sync: SyncConfig{Mode: ModeStaged}},
			wantErr: true,
		},
		{
			name: "duplicate output name",
			cfg: Config{
				Sync:    SyncConfig{Mode: ModeStaged},
				Outputs: []Output{validOutput, validOutput},
			},
			wantErr: true,
		},
		{
			name: "output name with directory",
			cfg: Config{
				Sync: SyncConfig{Mode: ModeStaged},
				Outputs: []Output{{
					Name:    "../escape.patch",
					Sources: []Source{{URL: "https://example.com/a.patch"}},
				}},
			},
			wantErr: true,
		},
		{
			name: "output without sources",
			cfg: Config{
				Sync:    SyncConfig{Mode: ModeStaged},
				Outputs: []Output{{Name: "0001-a.patch"}},
			},
			wantErr: true,
		},
		{
			name: "source with two kinds",
			cfg: Config{
				Sync: SyncConfig{Mode: ModeStaged},
				Outputs: []Output{{
					Name:    "0001-a.patch",
					Sources: []Source{{URL: "https://example.com/a.patch", Local: "a.patch"}},
				}},
			},
			wantErr: true,
		},
		{
			name: "remote list without base_url",
			cfg: Config{
				Sync: SyncConfig{Mode: ModeStaged},
				Outputs: []Output{{
					Name:    "0001-a.patch",
					Sources: []Source{{Files: []string{"a.patch"}}},
				}},
			},
			wantErr: true,
		},
		{
			name: "pkgbuild with base_url",
			cfg: Config{
				Sync: SyncConfig{Mode: ModeStaged},
				Outputs: []Output{{
					Name: "0002-arch.patch",
					Sources: []Source{{
						PKGBUILD: "https://example.com/PKGBUILD",
						BaseURL:  "https://example.com",
					}},
				}},
			},
			wantErr: false,
		},
		{
			name: "bad cleanup pattern",
			cfg: Config{
				Paths:   PathsConfig{Cleanup: []string{"[*.patch"}},
				Sync:    SyncConfig{Mode: ModeStaged},
				Outputs: []Output{validOutput},
			},
			wantErr: true,
		},
		{
			name: "negative timeout",
			cfg: Config{
				Sync:    SyncConfig{Mode: ModeStaged},
				Fetch:   FetchConfig{Timeout: -time.Second},
				Outputs: []Output{validOutput},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSourceKind(t *testing.T) {
	tests := []struct {
		src  Source
		want SourceKind
	}{
		{Source{URL: "u"}, KindURL},
		{Source{BaseURL: "b", Files: []string{"a.patch"}}, KindRemote},
		{Source{PKGBUILD: "p", BaseURL: "b"}, KindPKGBUILD},
		{Source{RPMSpec: "s", BaseURL: "b"}, KindRPMSpec},
		{Source{Local: "l"}, KindLocal},
		{Source{LocalDir: "d"}, KindLocalDir},
		{Source{}, ""},
		{Source{URL: "u", LocalDir: "d"}, ""},
	}

	for _, tt := range tests {
		if got := tt.src.Kind(); got != tt.want {
			t.Errorf("Kind(%+v) = %q, want %q", tt.src, got, tt.want)
		}
	}
}

func TestLocalPatchPath(t *testing.T) {
	cfg := &Config{Paths: PathsConfig{OutputDir: "/work", LocalPatchDir: "patches"}}

	if got, want := cfg.LocalPatchPath("bore.patch"), "/work/patches/bore.patch"; got != want {
		t.Errorf("LocalPatchPath relative = %q, want %q", got, want)
	}
	if got, want := cfg.LocalPatchPath("/abs/bore.patch"), "/abs/bore.patch"; got != want {
		t.Errorf("LocalPatchPath absolute = %q, want %q", got, want)
	}

	cfg.Paths.LocalPatchDir = "/elsewhere"
	if got, want := cfg.LocalPatchRoot(), "/elsewhere"; got != want {
		t.Errorf("LocalPatchRoot = %q, want %q", got, want)
	}
}

func TestEnabledOutputs(t *testing.T) {
	cfg := &Config{Outputs: []Output{
		{Name: "a"},
		{Name: "b", Skip: true},
		{Name: "c"},
	}}

	got := cfg.EnabledOutputs()
	if len(got) != 2 || got[0].Name != "a" || got[1].Name != "c" {
		t.Errorf("EnabledOutputs = %+v, want a and c", got)
	}
}
