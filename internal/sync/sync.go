package sync

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/moonlight-kernel/patchsync/internal/config"
	"github.com/moonlight-kernel/patchsync/internal/fetch"
)

// Engine orchestrates the sync process
type Engine struct {
	cfg     *config.Config
	fetcher fetch.Fetcher
	logger  *slog.Logger
	dryRun  bool
}

// NewEngine creates a new sync engine
func NewEngine(cfg *config.Config, fetcher fetch.Fetcher, logger *slog.Logger, dryRun bool) *Engine {
	return &Engine{
		cfg:     cfg,
		fetcher: fetcher,
		logger:  logger,
		dryRun:  dryRun,
	}
}

// Run executes the complete sync process
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("starting sync",
		"output_dir", e.cfg.Paths.OutputDir,
		"kernel_version", e.cfg.KernelVersion,
		"mode", e.cfg.Sync.Mode,
		"dry_run", e.dryRun)

	if err := os.MkdirAll(e.cfg.Paths.OutputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	if e.cfg.Sync.Mode == config.ModeDirect && !e.dryRun {
		return e.runDirect(ctx)
	}
	return e.runStaged(ctx)
}

// runStaged renders every output before touching the output directory, so a
// failed fetch leaves the previous outputs in place
func (e *Engine) runStaged(ctx context.Context) error {
	artifacts, err := e.renderAll(ctx)
	if err != nil {
		return err
	}

	prevState, err := e.loadState()
	if err != nil {
		e.logger.Warn("failed to load previous state (will treat as fresh sync)", "error", err)
		prevState = &State{Outputs: make(map[string]ManagedOutput)}
	}

	plan, err := e.buildPlan(prevState, artifacts)
	if err != nil {
		return fmt.Errorf("failed to build sync plan: %w", err)
	}

	e.logger.Info("sync plan",
		"add", len(plan.Add),
		"update", len(plan.Update),
		"unchanged", len(plan.Unchanged),
		"delete", len(plan.Delete))

	if e.dryRun {
		e.logPlanDetails(plan)
		e.logger.Info("dry-run complete, no changes applied")
		return nil
	}

	if err := e.publish(artifacts, plan); err != nil {
		return fmt.Errorf("failed to publish outputs: %w", err)
	}

	if err := e.saveState(e.buildState(artifacts)); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}

	e.logger.Info("sync completed successfully", "outputs", len(artifacts))
	return nil
}

// runDirect cleans up first and then writes each output as it is rendered.
// A failure leaves the output directory partially populated.
func (e *Engine) runDirect(ctx context.Context) error {
	existing, err := e.existingOutputs()
	if err != nil {
		return fmt.Errorf("failed to list existing outputs: %w", err)
	}
	if err := e.cleanup(existing); err != nil {
		return err
	}

	artifacts := make([]Artifact, 0, len(e.cfg.Outputs))
	for _, out := range e.cfg.EnabledOutputs() {
		a, err := e.writeDirect(ctx, out)
		if err != nil {
			return err
		}
		artifacts = append(artifacts, a)
	}

	if err := e.saveState(e.buildState(artifacts)); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}

	e.logger.Info("sync completed successfully", "outputs", len(artifacts))
	return nil
}

func (e *Engine) writeDirect(ctx context.Context, out config.Output) (Artifact, error) {
	path := e.cfg.OutputPath(out.Name)
	e.logger.Info("writing output", "output", out.Name, "dest", path)

	f := &lazyFile{path: path}
	defer f.abort()

	h := sha256.New()
	sources, size, err := e.render(ctx, out, io.MultiWriter(f, h))
	if err != nil {
		return Artifact{}, fmt.Errorf("output %s: %w", out.Name, err)
	}
	if err := f.Close(); err != nil {
		return Artifact{}, fmt.Errorf("failed to write %s: %w", path, err)
	}

	return Artifact{
		Name:    out.Name,
		Size:    size,
		Hash:    hex.EncodeToString(h.Sum(nil)),
		Sources: sources,
	}, nil
}

// lazyFile creates (truncating) its file on the first write, so an output
// whose first fetch fails is never created
type lazyFile struct {
	path string
	f    *os.File
}

func (l *lazyFile) open() error {
	if l.f != nil {
		return nil
	}
	f, err := os.Create(l.path)
	if err != nil {
		return err
	}
	l.f = f
	return nil
}

func (l *lazyFile) Write(p []byte) (int, error) {
	if err := l.open(); err != nil {
		return 0, err
	}
	return l.f.Write(p)
}

// Close creates the file if nothing was written and closes it
func (l *lazyFile) Close() error {
	if err := l.open(); err != nil {
		return err
	}
	err := l.f.Close()
	l.f = nil
	return err
}

// abort closes the file if it is open, leaving partial content on disk
func (l *lazyFile) abort() {
	if l.f != nil {
		_ = l.f.Close()
		l.f = nil
	}
}

// renderAll renders every enabled output into memory, stopping at the first failure
func (e *Engine) renderAll(ctx context.Context) ([]Artifact, error) {
	outputs := e.cfg.EnabledOutputs()
	artifacts := make([]Artifact, 0, len(outputs))

	for _, out := range outputs {
		var buf bytes.Buffer
		sources, size, err := e.render(ctx, out, &buf)
		if err != nil {
			return nil, fmt.Errorf("output %s: %w", out.Name, err)
		}

		a := Artifact{
			Name:    out.Name,
			Content: buf.Bytes(),
			Size:    size,
			Hash:    contentHash(buf.Bytes()),
			Sources: sources,
		}
		e.logger.Info("rendered output", "output", a.Name, "bytes", a.Size, "fragments", len(sources))
		artifacts = append(artifacts, a)
	}

	return artifacts, nil
}

// buildPlan computes the diff between the rendered artifacts and the output directory
func (e *Engine) buildPlan(prevState *State, artifacts []Artifact) (*Plan, error) {
	plan := &Plan{
		Add:       make([]FileOp, 0),
		Update:    make([]FileOp, 0),
		Unchanged: make([]FileOp, 0),
		Delete:    make([]FileOp, 0),
	}

	desired := make(map[string]bool, len(artifacts))
	for _, a := range artifacts {
		destPath := e.cfg.OutputPath(a.Name)
		desired[destPath] = true
		op := FileOp{Name: a.Name, DestPath: destPath, Hash: a.Hash}

		current, err := fileHash(destPath)
		if errors.Is(err, os.ErrNotExist) {
			plan.Add = append(plan.Add, op)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to compute hash for %s: %w", destPath, err)
		}

		if prev, ok := prevState.Outputs[a.Name]; ok && prev.Hash != current {
			e.logger.Warn("output was modified since the last sync and will be replaced", "output", a.Name)
		}

		if current == a.Hash {
			plan.Unchanged = append(plan.Unchanged, op)
		} else {
			plan.Update = append(plan.Update, op)
		}
	}

	existing, err := e.existingOutputs()
	if err != nil {
		return nil, fmt.Errorf("failed to list existing outputs: %w", err)
	}
	for _, path := range existing {
		if !desired[path] {
			plan.Delete = append(plan.Delete, FileOp{Name: filepath.Base(path), DestPath: path})
		}
	}

	return plan, nil
}

// publish writes all artifacts into a staging directory next to the outputs,
// removes stale outputs and renames the staged files into place
func (e *Engine) publish(artifacts []Artifact, plan *Plan) error {
	if err := e.removeStaleStageDirs(); err != nil {
		return err
	}

	stageDir, err := os.MkdirTemp(e.cfg.Paths.OutputDir, stageDirPattern)
	if err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer func() {
		_ = os.RemoveAll(stageDir)
	}()

	for _, a := range artifacts {
		if err := os.WriteFile(filepath.Join(stageDir, a.Name), a.Content, 0644); err != nil {
			return fmt.Errorf("failed to stage %s: %w", a.Name, err)
		}
	}

	var stale []string
	for _, op := range plan.Delete {
		e.logger.Info("deleting file", "dest", op.DestPath)
		stale = append(stale, op.DestPath)
	}
	if err := e.cleanup(stale); err != nil {
		return err
	}

	for _, op := range plan.Add {
		e.logger.Info("adding file", "dest", op.DestPath)
	}
	for _, op := range plan.Update {
		e.logger.Info("updating file", "dest", op.DestPath)
	}

	for _, a := range artifacts {
		if err := os.Rename(filepath.Join(stageDir, a.Name), e.cfg.OutputPath(a.Name)); err != nil {
			return fmt.Errorf("failed to publish %s: %w", a.Name, err)
		}
	}

	return nil
}

const stageDirPattern = ".patchsync-stage-*"

// removeStaleStageDirs deletes staging directories left by an interrupted run
func (e *Engine) removeStaleStageDirs() error {
	matches, err := filepath.Glob(filepath.Join(e.cfg.Paths.OutputDir, stageDirPattern))
	if err != nil {
		return err
	}
	for _, dir := range matches {
		info, err := os.Lstat(dir)
		if err != nil || !info.IsDir() {
			continue
		}
		e.logger.Warn("removing leftover staging directory", "path", dir)
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("failed to remove staging directory %s: %w", dir, err)
		}
	}
	return nil
}

// existingOutputs lists regular files in the output directory that match a
// cleanup pattern
func (e *Engine) existingOutputs() ([]string, error) {
	seen := make(map[string]bool)
	var paths []string

	for _, pattern := range e.cfg.Paths.Cleanup {
		matches, err := filepath.Glob(filepath.Join(e.cfg.Paths.OutputDir, pattern))
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			if seen[m] {
				continue
			}
			info, err := os.Lstat(m)
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
			seen[m] = true
			paths = append(paths, m)
		}
	}

	sort.Strings(paths)
	return paths, nil
}

// cleanup deletes the given files; missing files are not an error
func (e *Engine) cleanup(paths []string) error {
	for _, path := range paths {
		e.logger.Debug("removing previous output", "path", path)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete file %s: %w", path, err)
		}
	}
	return nil
}

// logPlanDetails logs detailed plan information for dry-run
func (e *Engine) logPlanDetails(plan *Plan) {
	for _, op := range plan.Add {
		e.logger.Info("[dry-run] would add", "dest", op.DestPath, "hash", op.Hash)
	}
	for _, op := range plan.Update {
		e.logger.Info("[dry-run] would update", "dest", op.DestPath, "hash", op.Hash)
	}
	for _, op := range plan.Delete {
		e.logger.Info("[dry-run] would delete", "dest", op.DestPath)
	}
}

// buildState creates a new State from the published artifacts
func (e *Engine) buildState(artifacts []Artifact) *State {
	state := &State{
		GeneratedAt:   time.Now().UTC(),
		KernelVersion: e.cfg.KernelVersion,
		Outputs:       make(map[string]ManagedOutput, len(artifacts)),
	}
	for _, a := range artifacts {
		state.Outputs[a.Name] = ManagedOutput{
			Hash:    a.Hash,
			Size:    a.Size,
			Sources: a.Sources,
		}
	}
	return state
}

// loadState loads the previous state from disk
func (e *Engine) loadState() (*State, error) {
	data, err := os.ReadFile(e.cfg.StateFilePath())
	if err != nil {
		if os.IsNotExist(err) {
			return &State{Outputs: make(map[string]ManagedOutput)}, nil
		}
		return nil, err
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	if state.Outputs == nil {
		state.Outputs = make(map[string]ManagedOutput)
	}

	return &state, nil
}

// saveState persists the state to disk
func (e *Engine) saveState(state *State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}

	return writeFileAtomic(e.cfg.StateFilePath(), data, 0644)
}

// writeFileAtomic writes data to a temp file in the destination directory and
// renames it over dst
func writeFileAtomic(dst string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(dst), ".patchsync-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}

	if err := tmpFile.Chmod(perm); err != nil {
		_ = tmpFile.Close()
		return err
	}

	if err := tmpFile.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, dst)
}

// fileHash computes the SHA256 hash of a file
func fileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = f.Close()
	}()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

func contentHash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
