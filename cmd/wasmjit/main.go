// cmd/wasmjit/main.go
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"wasmjit/internal/jit"
)

const version = "1.0.0"

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "help", "--help", "-h":
		showUsage()
	case "version", "--version", "-v":
		fmt.Printf("wasmjit %s\n", version)
	case "aot":
		if err := runAot(args[1:]); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		showUsage()
		os.Exit(1)
	}
}

func runAot(args []string) error {
	fs := flag.NewFlagSet("aot", flag.ExitOnError)
	cacheSize := fs.String("cache-size", "64MiB", "code cache budget")
	persistDir := fs.String("persist", "", "directory for the persistent code cache")
	verbose := fs.Bool("verbose", false, "log compilation details")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: wasmjit aot [flags] <module.wasm>")
	}
	path := fs.Arg(0)

	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	opts := jit.DefaultOptions()
	if opts.MaxCacheSize, err = jit.ParseCacheSize(*cacheSize); err != nil {
		return err
	}
	opts.PersistDir = *persistDir
	if *verbose {
		logger, err := zap.NewDevelopment()
		if err != nil {
			return err
		}
		defer logger.Sync()
		opts.Logger = logger
	}

	engine, err := jit.NewEngine(opts, nil)
	if err != nil {
		return err
	}

	moduleID := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	fns, err := engine.AotCompile(moduleID, raw)
	if err != nil {
		return err
	}

	fmt.Printf("%s: %d functions\n", moduleID, len(fns))
	for _, fn := range fns {
		fmt.Printf("  [%d] %s\n", fn.Index, humanize.IBytes(uint64(fn.Code.Size())))
	}
	fmt.Println(engine.Stats())
	return nil
}

func showUsage() {
	fmt.Print(`wasmjit - tiered WebAssembly JIT compiler

Usage:
  wasmjit aot [flags] <module.wasm>   compile a whole module ahead of time
  wasmjit version                     print version
  wasmjit help                        show this help

Flags for aot:
  -cache-size string   code cache budget (default "64MiB")
  -persist string      directory for the persistent code cache
  -verbose             log compilation details
`)
}
