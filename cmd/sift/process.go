package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/chazu/sift/harness"
	"github.com/chazu/sift/processor"
	"github.com/chazu/sift/store"
)

// cmdProcess runs one or more artifacts over a directory of samples,
// recursing into emitted sub-content, with everything recorded in a
// results database.
func cmdProcess(args []string) error {
	fs := flag.NewFlagSet("sift process", flag.ExitOnError)
	var modulePaths stringList
	fs.Var(&modulePaths, "m", "Artifact to run (repeatable, at least one required)")
	sampleDir := fs.String("d", "", "Directory of root samples (required)")
	dbPath := fs.String("db", "results.db", "Results database path")
	workers := fs.Int("j", runtime.NumCPU(), "Worker pool size")
	maxDepth := fs.Int("max-depth", 10, "Deepest sub-content recursion level")
	timeout := fs.Duration("t", 0, "Per-run wall-clock budget (default unbounded)")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: sift process -m module.wasm [-m other.wasm] -d samples/ [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if len(modulePaths) == 0 || *sampleDir == "" {
		fs.Usage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var modules []processor.Module
	for _, path := range modulePaths {
		runner, err := harness.LoadArtifact(ctx, path)
		if err != nil {
			return fmt.Errorf("loading %s: %w", path, err)
		}
		defer runner.Close(ctx)
		name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		modules = append(modules, processor.Module{Name: name, Runner: runner})
	}

	roots, err := loadSamples(*sampleDir)
	if err != nil {
		return err
	}
	if len(roots) == 0 {
		return fmt.Errorf("no samples in %s", *sampleDir)
	}

	st, err := store.Open(*dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	p := processor.New(modules, st, processor.Options{
		Workers:  *workers,
		MaxDepth: *maxDepth,
		Run:      harness.Options{Timeout: *timeout},
	})
	if err := p.Process(ctx, roots); err != nil {
		return err
	}

	fmt.Printf("Processed %d root samples into %s\n", len(roots), *dbPath)
	return nil
}

// loadSamples reads every regular file directly under dir as root
// content. Subdirectories are ignored.
func loadSamples(dir string) ([]processor.Item, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("listing samples: %w", err)
	}
	var items []processor.Item
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading sample %s: %w", entry.Name(), err)
		}
		items = append(items, processor.NewItem(entry.Name(), data))
	}
	return items, nil
}

// stringList collects a repeatable flag.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}
