package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/astromechza/automerge-docs/pkg/replica"
	"github.com/astromechza/automerge-docs/pkg/viz"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	svgVar := flag.String("svg", "", "also render the change graph to this file")
	flag.Parse()
	if flag.NArg() != 1 {
		return fmt.Errorf("expected one position argument: the snapshot file to read")
	}
	f, err := os.Open(flag.Arg(0))
	if err != nil {
		return fmt.Errorf("failed to open input file: %w", err)
	}
	defer f.Close()
	buff, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("failed to read input file: %w", err)
	}
	rep, err := replica.Load(buff)
	if err != nil {
		return err
	}
	text, err := rep.Text()
	if err != nil {
		return fmt.Errorf("failed to read content: %w", err)
	}
	slog.Info("loaded doc", "bytes", len(buff), "heads", rep.Heads())
	fmt.Println(text)

	doc, err := rep.Fork()
	if err != nil {
		return fmt.Errorf("failed to fork doc: %w", err)
	}
	changes, err := doc.Changes()
	if err != nil {
		return fmt.Errorf("failed to generate changes: %w", err)
	}
	for i, change := range changes {
		slog.Info("change", "i", fmt.Sprintf("%4d", i), "hash", change.Hash(), "actor", change.ActorID(), "seq", change.ActorSeq(), "dep", change.Dependencies())
	}

	if *svgVar != "" {
		if err := viz.RenderHistoryToFile(doc, *svgVar); err != nil {
			return err
		}
		slog.Info("rendered", "path", "file://"+*svgVar)
	}
	return nil
}
