// Package viz draws the change graph of a document.
package viz

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"unicode/utf8"

	"github.com/automerge/automerge-go"
	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/astromechza/automerge-docs/pkg/replica"
)

// RenderHistory writes an SVG with one node per change, labelled with its
// hash prefix, actor, sequence number and the content length right after it,
// and an edge from every dependency.
func RenderHistory(doc *automerge.Doc, w io.Writer) error {
	g := graphviz.New()

	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}
	defer func() {
		_ = graph.Close()
		_ = g.Close()
	}()

	changes, err := doc.Changes()
	if err != nil {
		return fmt.Errorf("failed to generate changes: %w", err)
	}

	nodeMap := make(map[string]*cgraph.Node, len(changes))
	edges := 0
	for _, change := range changes {
		docAt, err := doc.Fork(change.Hash())
		if err != nil {
			return fmt.Errorf("failed to checkout %s: %w", change.Hash(), err)
		}

		n, err := graph.CreateNode(change.Hash().String())
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		n.SetLabel(fmt.Sprintf("%s %s@%d len=%d", change.Hash().String()[:8], change.ActorID(), change.ActorSeq(), contentLength(docAt)))
		nodeMap[n.Name()] = n

		for _, hash := range change.Dependencies() {
			dep, ok := nodeMap[hash.String()]
			if !ok {
				continue
			}
			edges++
			if _, err := graph.CreateEdge(strconv.Itoa(edges), dep, n); err != nil {
				return fmt.Errorf("failed to create edge: %w", err)
			}
		}
	}

	var buff bytes.Buffer
	if err := g.Render(graph, graphviz.SVG, &buff); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	if _, err := w.Write(buff.Bytes()); err != nil {
		return fmt.Errorf("failed to write svg: %w", err)
	}
	return nil
}

// RenderHistoryToFile is RenderHistory into a new file at path.
func RenderHistoryToFile(doc *automerge.Doc, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := RenderHistory(doc, f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func contentLength(doc *automerge.Doc) int {
	v, err := doc.Path(replica.ContentKey).Get()
	if err != nil || v.Kind() != automerge.KindText {
		return 0
	}
	s, err := doc.Path(replica.ContentKey).Text().Get()
	if err != nil {
		return 0
	}
	return utf8.RuneCountInString(s)
}
