// Command pathstore inspects transition path sampling storage files.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/opentis/pathstore/internal/analyze"
	"github.com/opentis/pathstore/internal/paths"
	"github.com/opentis/pathstore/internal/storage"
)

func main() {
	if err := mainImpl(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "pathstore: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: pathstore [flags] <command> <file.pscf> [args]

commands:
  info      show stores, counts and dimensions
  names     list named objects of a store: names <file> <store>
  lengths   path length statistics and histogram
  watch     follow a file a live simulation is appending to

flags:
`)
	flag.PrintDefaults()
}

func mainImpl() error {
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	configPath := flag.String("config", "", "YAML configuration file (optional)")
	bins := flag.Int("bins", 10, "Histogram bin count for the lengths command")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() < 2 {
		usage()
		return fmt.Errorf("need a command and a storage file")
	}

	ll := &slog.LevelVar{}
	switch *logLevel {
	case "debug":
		ll.Set(slog.LevelDebug)
	case "info":
		ll.Set(slog.LevelInfo)
	case "warn":
		ll.Set(slog.LevelWarn)
	case "error":
		ll.Set(slog.LevelError)
	default:
		return fmt.Errorf("unknown log level %q", *logLevel)
	}
	logger := slog.New(tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{
		Level:      ll,
		TimeFormat: "15:04:05.000",
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	}))
	slog.SetDefault(logger)

	cfg := storage.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = storage.LoadConfig(*configPath); err != nil {
			return err
		}
	}

	cmd, file := flag.Arg(0), flag.Arg(1)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()

	switch cmd {
	case "info":
		return runInfo(file, cfg)
	case "names":
		if flag.NArg() < 3 {
			return fmt.Errorf("names needs a store: pathstore names <file> <store>")
		}
		return runNames(file, cfg, flag.Arg(2))
	case "lengths":
		return runLengths(file, cfg, *bins)
	case "watch":
		return runWatch(ctx, file, cfg)
	}
	usage()
	return fmt.Errorf("unknown command %q", cmd)
}

// openRun attaches read-only and registers the domain schema using the atom
// count recorded in the file.
func openRun(file string, cfg storage.Config) (*paths.Stores, error) {
	st, err := storage.OpenReadOnly(file, cfg)
	if err != nil {
		return nil, err
	}
	natoms, ok := st.Dimension("atom")
	if !ok {
		_ = st.Close()
		return nil, fmt.Errorf("%s has no atom dimension; not a simulation file?", file)
	}
	s, err := paths.RegisterAll(st, natoms)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return s, nil
}

func runInfo(file string, cfg storage.Config) error {
	s, err := openRun(file, cfg)
	if err != nil {
		return err
	}
	defer s.Storage.Close()

	fmt.Printf("%s\n", s.Storage.Path())
	natoms, _ := s.Storage.Dimension("atom")
	fmt.Printf("  atoms: %d\n", natoms)
	for _, name := range s.Storage.Stores() {
		store, _ := s.Storage.Store(name)
		fmt.Printf("  %-12s %d\n", name, store.Len())
	}
	return nil
}

func runNames(file string, cfg storage.Config, storeName string) error {
	s, err := openRun(file, cfg)
	if err != nil {
		return err
	}
	defer s.Storage.Close()

	store, ok := s.Storage.Store(storeName)
	if !ok {
		return fmt.Errorf("no store %q; have %v", storeName, s.Storage.Stores())
	}
	for idx, obj := range store.All() {
		named, ok := obj.(interface{ Name() string })
		if !ok {
			return fmt.Errorf("store %q holds unnamed objects", storeName)
		}
		fmt.Printf("%4d  %s\n", idx, named.Name())
	}
	return nil
}

func runLengths(file string, cfg storage.Config, bins int) error {
	s, err := openRun(file, cfg)
	if err != nil {
		return err
	}
	defer s.Storage.Close()

	lengths := analyze.PathLengths(s)
	sum := analyze.Summarize(lengths)
	fmt.Printf("trajectories: %d\n", sum.N)
	if sum.N == 0 {
		return nil
	}
	fmt.Printf("length mean %.2f  std %.2f  min %.0f  max %.0f\n", sum.Mean, sum.Std, sum.Min, sum.Max)

	dividers, counts, err := analyze.Histogram(lengths, bins)
	if err != nil {
		return err
	}
	for i, c := range counts {
		fmt.Printf("  [%6.1f, %6.1f)  %.0f\n", dividers[i], dividers[i+1], c)
	}
	for _, ea := range analyze.ByEnsemble(s) {
		fmt.Printf("ensemble %-12s lambda %.3f  samples %d\n", ea.Name, ea.Lambda, ea.Samples)
	}
	return nil
}

func runWatch(ctx context.Context, file string, cfg storage.Config) error {
	s, err := openRun(file, cfg)
	if err != nil {
		return err
	}
	defer s.Storage.Close()

	report := func() {
		fmt.Printf("snapshots %d  trajectories %d  samples %d\n",
			s.Snapshots.Len(), s.Trajectories.Len(), s.Samples.Len())
	}
	report()
	return s.Storage.Watch(ctx, report)
}
