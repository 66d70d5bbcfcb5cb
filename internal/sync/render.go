package sync

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/moonlight-kernel/patchsync/internal/config"
	"github.com/moonlight-kernel/patchsync/internal/fetch"
	"github.com/moonlight-kernel/patchsync/internal/merge"
	"github.com/moonlight-kernel/patchsync/internal/recipe"
)

// fragment is one piece of output content and where it came from
type fragment struct {
	origin string
	data   []byte
}

// render writes the sources of out to w in order and returns the origin of
// every fragment and the number of bytes written. Each source is resolved
// completely before any of its content is written.
func (e *Engine) render(ctx context.Context, out config.Output, w io.Writer) ([]string, int64, error) {
	mw := merge.NewWriter(w)
	var origins []string

	for i, src := range out.Sources {
		frags, err := e.resolve(ctx, src)
		if err != nil {
			return origins, mw.Written(), err
		}

		if i > 0 {
			if err := mw.Raw([]byte(out.Separator)); err != nil {
				return origins, mw.Written(), err
			}
		}

		for _, f := range frags {
			var err error
			if out.Verbatim {
				err = mw.Raw(f.data)
			} else {
				err = mw.Fragment(f.data)
			}
			if err != nil {
				return origins, mw.Written(), fmt.Errorf("failed to write %s: %w", f.origin, err)
			}
			origins = append(origins, f.origin)
		}
	}

	if mw.Written() == 0 {
		e.logger.Warn("output is empty", "output", out.Name, "fragments", len(origins))
	}
	return origins, mw.Written(), nil
}

// resolve produces the fragments of a single source
func (e *Engine) resolve(ctx context.Context, src config.Source) ([]fragment, error) {
	switch src.Kind() {
	case config.KindURL:
		return e.fetchURLs(ctx, []string{src.URL})

	case config.KindRemote:
		urls := make([]string, 0, len(src.Files))
		for _, name := range src.Files {
			urls = append(urls, fetch.JoinURL(src.BaseURL, name))
		}
		return e.fetchURLs(ctx, urls)

	case config.KindPKGBUILD:
		return e.resolvePKGBUILD(ctx, src)

	case config.KindRPMSpec:
		return e.resolveRPMSpec(ctx, src)

	case config.KindLocal:
		path := e.cfg.LocalPatchPath(src.Local)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read local patch: %w", err)
		}
		return []fragment{{origin: path, data: data}}, nil

	case config.KindLocalDir:
		dir := e.cfg.LocalPatchPath(src.LocalDir)
		files, err := merge.LocalFiles(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to list local patches: %w", err)
		}
		if len(files) == 0 {
			e.logger.Warn("no local patches found", "dir", dir, "pattern", merge.PatchPattern)
		}
		frags := make([]fragment, 0, len(files))
		for _, path := range files {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("failed to read local patch: %w", err)
			}
			frags = append(frags, fragment{origin: path, data: data})
		}
		return frags, nil

	default:
		return nil, fmt.Errorf("source selects no single kind")
	}
}

func (e *Engine) resolvePKGBUILD(ctx context.Context, src config.Source) ([]fragment, error) {
	text, err := e.fetcher.Fetch(ctx, src.PKGBUILD)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch PKGBUILD: %w", err)
	}

	entries, err := recipe.ParsePKGBUILD(string(text))
	if err != nil {
		return nil, fmt.Errorf("failed to parse PKGBUILD %s: %w", src.PKGBUILD, err)
	}
	e.logger.Info("parsed PKGBUILD", "url", src.PKGBUILD, "patches", len(entries))

	urls := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.URL != "" {
			urls = append(urls, entry.URL)
		} else {
			urls = append(urls, fetch.JoinURL(src.BaseURL, entry.Name))
		}
	}
	return e.fetchURLs(ctx, urls)
}

func (e *Engine) resolveRPMSpec(ctx context.Context, src config.Source) ([]fragment, error) {
	text, err := e.fetcher.Fetch(ctx, src.RPMSpec)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch spec file: %w", err)
	}

	patches, err := recipe.ResolveRPMSpec(string(text))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve patches of %s: %w", src.RPMSpec, err)
	}
	e.logger.Info("parsed spec file", "url", src.RPMSpec, "patches", len(patches))

	urls := make([]string, 0, len(patches))
	for _, name := range patches {
		urls = append(urls, fetch.JoinURL(src.BaseURL, name))
	}
	return e.fetchURLs(ctx, urls)
}

func (e *Engine) fetchURLs(ctx context.Context, urls []string) ([]fragment, error) {
	results, err := fetch.FetchAll(ctx, e.fetcher, urls, e.cfg.Fetch.Concurrency)
	if err != nil {
		return nil, err
	}

	frags := make([]fragment, 0, len(results))
	for _, r := range results {
		frags = append(frags, fragment{origin: r.URL, data: r.Body})
	}
	return frags, nil
}
