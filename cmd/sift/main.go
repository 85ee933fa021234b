// Sift CLI - packages guest projects into sandboxed artifacts and runs
// them against untrusted input.
package main

import (
	"fmt"
	"os"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: sift <command> [options]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  build    Compile a guest project into a sandboxed artifact\n")
	fmt.Fprintf(os.Stderr, "  run      Run an artifact against one sample, print the result document\n")
	fmt.Fprintf(os.Stderr, "  process  Run artifacts over a sample directory into a results database\n")
	fmt.Fprintf(os.Stderr, "\nExamples:\n")
	fmt.Fprintf(os.Stderr, "  sift build ./myproject\n")
	fmt.Fprintf(os.Stderr, "  sift run -m myproject.wasm -s sample.bin -t 30s\n")
	fmt.Fprintf(os.Stderr, "  sift process -m myproject.wasm -d samples/ --db results.db\n")
	fmt.Fprintf(os.Stderr, "\nRun 'sift <command> -h' for command options.\n")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	commonlog.Configure(verbosityFromEnv(), nil)

	var err error
	switch os.Args[1] {
	case "build":
		err = cmdBuild(os.Args[2:])
	case "run":
		err = cmdRun(os.Args[2:])
	case "process":
		err = cmdProcess(os.Args[2:])
	case "-h", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// verbosityFromEnv maps SIFT_VERBOSITY onto commonlog levels; unset means
// warnings and up.
func verbosityFromEnv() int {
	switch os.Getenv("SIFT_VERBOSITY") {
	case "debug":
		return 2
	case "info":
		return 1
	default:
		return 0
	}
}
