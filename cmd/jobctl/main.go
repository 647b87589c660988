package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/grainhouse/grainhouse/internal/scheduler"
	"github.com/grainhouse/grainhouse/internal/sources"
	"github.com/grainhouse/grainhouse/internal/store"
)

var audioExtensions = map[string]bool{
	".wav":  true,
	".aif":  true,
	".aiff": true,
	".flac": true,
	".mp3":  true,
	".ogg":  true,
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: jobctl <command> [flags]

Commands:
  add-source <root>       register a sample library root
  remove-source <id>      unregister a source by id
  list-sources            print registered sources
  enqueue <root>          scan a source root and enqueue analysis jobs
  progress <root>         print job counters for a source
  sweep <root>            fail running jobs whose lease expired
  reset <root>            reset running jobs back to pending
`)
	os.Exit(2)
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	if len(os.Args) < 2 {
		usage()
	}

	registryPath := os.Getenv("SOURCES_REGISTRY")
	if registryPath == "" {
		if dir, err := os.UserConfigDir(); err == nil {
			registryPath = filepath.Join(dir, "grainhouse", "sources.json")
		} else {
			registryPath = "sources.json"
		}
	}

	ctx := context.Background()
	var err error
	switch os.Args[1] {
	case "add-source":
		err = runAddSource(registryPath, os.Args[2:])
	case "remove-source":
		err = runRemoveSource(registryPath, os.Args[2:])
	case "list-sources":
		err = runListSources(registryPath)
	case "enqueue":
		err = runEnqueue(ctx, registryPath, os.Args[2:])
	case "progress":
		err = runProgress(ctx, registryPath, os.Args[2:])
	case "sweep":
		err = runSweep(ctx, registryPath, os.Args[2:])
	case "reset":
		err = runReset(ctx, registryPath, os.Args[2:])
	default:
		usage()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "jobctl: %v\n", err)
		os.Exit(1)
	}
}

func runAddSource(registryPath string, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("add-source requires exactly one root directory")
	}
	reg, err := sources.LoadRegistry(registryPath)
	if err != nil {
		return err
	}
	src, err := reg.Add(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("added %s  %s\n", src.ID, src.Root)
	return nil
}

func runRemoveSource(registryPath string, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("remove-source requires exactly one source id")
	}
	reg, err := sources.LoadRegistry(registryPath)
	if err != nil {
		return err
	}
	if err := reg.Remove(sources.SourceID(args[0])); err != nil {
		return err
	}
	fmt.Printf("removed %s\n", args[0])
	return nil
}

func runListSources(registryPath string) error {
	reg, err := sources.LoadRegistry(registryPath)
	if err != nil {
		return err
	}
	for _, src := range reg.Sources() {
		fmt.Printf("%s  %s\n", src.ID, src.Root)
	}
	return nil
}

// lookupSource resolves a root argument to its registered source.
func lookupSource(registryPath string, args []string) (sources.Source, error) {
	if len(args) < 1 {
		return sources.Source{}, fmt.Errorf("a source root directory is required")
	}
	abs, err := filepath.Abs(args[0])
	if err != nil {
		return sources.Source{}, err
	}
	reg, err := sources.LoadRegistry(registryPath)
	if err != nil {
		return sources.Source{}, err
	}
	for _, src := range reg.Sources() {
		if src.Root == abs {
			return src, nil
		}
	}
	return sources.Source{}, fmt.Errorf("root %s is not a registered source (run add-source first)", abs)
}

func runEnqueue(ctx context.Context, registryPath string, args []string) error {
	src, err := lookupSource(registryPath, args)
	if err != nil {
		return err
	}
	st, err := store.Open(src.Root)
	if err != nil {
		return err
	}
	defer st.Close()

	var refs []store.SampleRef
	err = filepath.WalkDir(src.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == store.StoreDirName {
				return filepath.SkipDir
			}
			return nil
		}
		if !audioExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		rel, err := filepath.Rel(src.Root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		refs = append(refs, store.SampleRef{
			SourceID:     src.ID,
			RelativePath: rel,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to scan source root: %w", err)
	}

	inserted, err := st.Enqueue(ctx, refs, store.JobTypeAnalyzeSample, time.Now())
	if err != nil {
		return err
	}
	fmt.Printf("scanned %d samples, enqueued %d new jobs\n", len(refs), inserted)
	return nil
}

func runProgress(ctx context.Context, registryPath string, args []string) error {
	src, err := lookupSource(registryPath, args)
	if err != nil {
		return err
	}
	st, err := store.Open(src.Root)
	if err != nil {
		return err
	}
	defer st.Close()

	p, err := st.CurrentProgress(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(p)
}

func runSweep(ctx context.Context, registryPath string, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("a source root directory is required")
	}
	flags := flag.NewFlagSet("sweep", flag.ExitOnError)
	olderThan := flags.Duration("older-than", scheduler.DefaultStaleThreshold, "lease age before a running job counts as stale")
	if err := flags.Parse(args[1:]); err != nil {
		return err
	}

	src, err := lookupSource(registryPath, args)
	if err != nil {
		return err
	}
	st, err := store.Open(src.Root)
	if err != nil {
		return err
	}
	defer st.Close()

	swept, err := st.SweepStale(ctx, time.Now().Add(-*olderThan))
	if err != nil {
		return err
	}
	fmt.Printf("swept %d stale jobs\n", swept)
	return nil
}

func runReset(ctx context.Context, registryPath string, args []string) error {
	src, err := lookupSource(registryPath, args)
	if err != nil {
		return err
	}
	st, err := store.Open(src.Root)
	if err != nil {
		return err
	}
	defer st.Close()

	reset, err := st.ResetRunningToPending(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("reset %d running jobs to pending\n", reset)
	return nil
}
