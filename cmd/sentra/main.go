// cmd/sentra/main.go
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"

	"sentra/internal/engine"
	"sentra/internal/value"
)

const version = "0.1.0"

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "--help", "-h", "help":
		showUsage()
	case "--version", "-v", "version":
		fmt.Println("sentra", version)
	case "run", "r":
		runCommand(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		showUsage()
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`sentra - run Sentra scripts

usage:
  sentra run [--disassemble] [--stats] [--timeout-ms N] <file> [script args...]
  sentra version
  sentra help`)
}

// runCommand implements "sentra run" (§6's CLI surface): compile a
// file, optionally disassemble it, execute it, and optionally report
// heap/GC stats. Every argument past the filename is exposed to the
// script as the `args` global.
func runCommand(argv []string) {
	var (
		disassemble bool
		showStats   bool
		timeoutMS   int
		filename    string
		scriptArgs  []string
	)

	for i := 0; i < len(argv); i++ {
		switch argv[i] {
		case "--disassemble":
			disassemble = true
		case "--stats":
			showStats = true
		case "--timeout-ms":
			i++
			if i < len(argv) {
				n, err := strconv.Atoi(argv[i])
				if err == nil {
					timeoutMS = n
				}
			}
		default:
			filename = argv[i]
			scriptArgs = argv[i+1:]
			i = len(argv)
		}
	}
	if filename == "" {
		fail(fmt.Errorf("no filename provided to run command"))
	}

	eng := engine.NewEngine(engine.Config{
		MaxExecutionTimeMS: timeoutMS,
		BaseDir:            filepath.Dir(filename),
		ReadFile:           os.ReadFile,
		WriteFile:          func(path string, data []byte) error { return os.WriteFile(path, data, 0o644) },
	})

	asInterfaces := make([]interface{}, len(scriptArgs))
	for i, a := range scriptArgs {
		asInterfaces[i] = a
	}
	eng.SetGlobalConstant("args", eng.ToValue(asInterfaces))

	prog, err := eng.CompileFile(filename)
	if err != nil {
		fail(err)
	}

	if disassemble {
		fmt.Println(prog.Disassemble())
	}

	if _, err := eng.Execute(prog); err != nil {
		fail(err)
	}

	if showStats {
		printStats(prog.Stats())
	}
}

// fail reports a script or engine error to stderr, colored red when
// stderr is an interactive terminal, and exits non-zero.
func fail(err error) {
	msg := err.Error()
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		msg = "\x1b[31m" + msg + "\x1b[0m"
	}
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}

func printStats(s value.Stats) {
	fmt.Fprintf(os.Stderr, "allocations:  %s\n", humanize.Comma(int64(s.Allocations)))
	fmt.Fprintf(os.Stderr, "sweeps:       %s\n", humanize.Comma(int64(s.Sweeps)))
	fmt.Fprintf(os.Stderr, "live objects: %s\n", humanize.Comma(int64(s.LiveObjects)))
	fmt.Fprintf(os.Stderr, "pooled hits:  %s\n", humanize.Comma(int64(s.PooledHits)))
	fmt.Fprintf(os.Stderr, "recycled:     %s\n", humanize.Comma(int64(s.RecycledLast)))
}
