// Package viz renders a document's change history as a graphviz DAG: one node
// per change labelled with the value at a chosen path as of that change, one
// edge per dependency.
package viz

import (
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// RenderHistory writes the SVG change graph of doc to w.
func RenderHistory(doc *automerge.Doc, nodePath []interface{}, w io.Writer) error {
	g := graphviz.New()

	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}

	changes, err := doc.Changes()
	if err != nil {
		return fmt.Errorf("failed to generate changes: %w", err)
	}

	nodeMap := make(map[string]*cgraph.Node)
	edgeCounter := 0
	for _, change := range changes {
		docAt, err := doc.Fork(change.Hash())
		if err != nil {
			return fmt.Errorf("failed to checkout %s: %w", change.Hash(), err)
		}
		var raw interface{}
		if value, err := docAt.Path(nodePath...).Get(); err == nil {
			raw = value.Interface()
		}
		encoded, err := json.Marshal(raw)
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %w", change.Hash(), err)
		}

		n, err := graph.CreateNode(change.Hash().String())
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		n.SetLabel(fmt.Sprintf("%s %s@%d %s", change.Hash().String()[:8], change.ActorID(), change.ActorSeq(), string(encoded)))
		nodeMap[n.Name()] = n

		for _, hash := range change.Dependencies() {
			edgeCounter++
			if _, err := graph.CreateEdge(strconv.Itoa(edgeCounter), nodeMap[hash.String()], n); err != nil {
				return fmt.Errorf("failed to create edge: %w", err)
			}
		}
	}

	if err := g.Render(graph, graphviz.SVG, w); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	return nil
}

// RenderHistoryToFile renders the change graph into an SVG file.
func RenderHistoryToFile(doc *automerge.Doc, nodePath []interface{}, outputPath string) error {
	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer f.Close()
	return RenderHistory(doc, nodePath, f)
}

// RenderToTemp renders the change graph into a temp file and returns its path.
func RenderToTemp(doc *automerge.Doc, nodePath []interface{}) (string, error) {
	tf := filepath.Join(os.TempDir(), fmt.Sprintf("%d%d.svg", time.Now().UnixNano(), rand.Int()))
	if err := RenderHistoryToFile(doc, nodePath, tf); err != nil {
		return "", err
	}
	return tf, nil
}
