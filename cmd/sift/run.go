package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/chazu/sift/harness"
)

// cmdRun executes one artifact against one sample and prints the result
// document. The process exit code reflects the run outcome, so failures
// inside the sandbox are scriptable.
func cmdRun(args []string) error {
	fs := flag.NewFlagSet("sift run", flag.ExitOnError)
	modulePath := fs.String("m", "", "Artifact to run (required)")
	samplePath := fs.String("s", "", "Sample input file (required)")
	filename := fs.String("f", "", "Filename reported to the guest (default sample basename)")
	timeout := fs.Duration("t", 0, "Wall-clock run budget (default unbounded)")
	outPath := fs.String("o", "", "Write the result document here instead of stdout")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: sift run -m module.wasm -s sample [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *modulePath == "" || *samplePath == "" {
		fs.Usage()
		os.Exit(1)
	}

	ctx := context.Background()
	runner, err := harness.LoadArtifact(ctx, *modulePath)
	if err != nil {
		return err
	}
	defer runner.Close(ctx)

	res, err := runner.RunFile(ctx, *samplePath, *filename, harness.Options{Timeout: *timeout})
	if err != nil {
		return err
	}

	doc, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	doc = append(doc, '\n')

	if *outPath != "" {
		if err := os.WriteFile(*outPath, doc, 0644); err != nil {
			return fmt.Errorf("writing result: %w", err)
		}
	} else {
		os.Stdout.Write(doc)
	}

	if !res.Success {
		os.Exit(1)
	}
	return nil
}
