package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/astromechza/automerge-sessions/pkg/document"
	"github.com/astromechza/automerge-sessions/pkg/viz"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	svgVar := flag.String("svg", "", "also render the change graph to this svg file")
	renderVar := flag.Bool("render", false, "render the change graph to a temp svg file")
	pathVar := flag.String("path", "session_state", "the document path to show per change, dot separated")
	flag.Parse()
	if flag.NArg() != 1 {
		return fmt.Errorf("expected one positional argument: the snapshot file to read")
	}

	raw, err := os.ReadFile(flag.Arg(0))
	if err != nil {
		return fmt.Errorf("failed to read input file: %w", err)
	}
	doc, err := document.Load(raw)
	if err != nil {
		return err
	}
	slog.Info("loaded doc", "contents", doc.RootMap().GoString())
	slog.Info("loaded heads", "heads", doc.Heads())

	changes, err := doc.Changes()
	if err != nil {
		return fmt.Errorf("failed to generate changes: %w", err)
	}
	for i, change := range changes {
		slog.Info("change", "i", fmt.Sprintf("%4d", i), "hash", change.Hash(), "actor", change.ActorID(), "dep", change.Dependencies())
	}

	if *svgVar != "" || *renderVar {
		nodePath := make([]interface{}, 0)
		for _, p := range strings.Split(*pathVar, ".") {
			if p != "" {
				nodePath = append(nodePath, p)
			}
		}
		target := *svgVar
		if target == "" {
			tf, err := viz.RenderToTemp(doc, nodePath)
			if err != nil {
				return err
			}
			target = tf
		} else if err := viz.RenderHistoryToFile(doc, nodePath, target); err != nil {
			return err
		}
		slog.Info("rendered", "path", "file://"+target)
	}
	return nil
}
