package document

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

// NodeType tags a node in the hierarchical document tree.
type NodeType string

const (
	NodeSection NodeType = "section"
	NodeTable   NodeType = "table"
	NodeRow     NodeType = "row"
	NodeCell    NodeType = "cell"
	NodeForm    NodeType = "form"
)

// Node is one element of a hierarchical extraction document. Sections nest
// arbitrarily and contain tables; tables contain rows of cells; form nodes
// carry a label, a name, and free-text metadata for pattern matching. No
// further schema is assumed.
type Node struct {
	Type     NodeType          `json:"type"`
	Title    string            `json:"title,omitempty"`
	Label    string            `json:"label,omitempty"`
	Name     string            `json:"name,omitempty"`
	Text     string            `json:"text,omitempty"`
	Meta     map[string]string `json:"meta,omitempty"`
	Children []*Node           `json:"children,omitempty"`
}

// Document wraps the root of a parsed hierarchical extraction file.
type Document struct {
	Title string `json:"title,omitempty"`
	Root  *Node  `json:"root"`
}

// Load reads a hierarchical JSON document from disk.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("document: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a hierarchical JSON document.
func Parse(data []byte) (*Document, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("document: input is empty")
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("document: decode: %w", err)
	}
	if doc.Root == nil {
		// Tolerate files whose top level is the root node itself.
		var root Node
		if err := json.Unmarshal(data, &root); err != nil || (root.Type == "" && len(root.Children) == 0) {
			return nil, fmt.Errorf("document: no root node")
		}
		doc.Root = &root
		doc.Title = root.Title
	}
	return &doc, nil
}

// Table is a flattened table with the title of its nearest enclosing section.
type Table struct {
	Section string
	Rows    [][]string
}

// Tables collects every table in document order, flattening rows of cells to
// their string content. The enclosing section title travels with each table so
// extraction errors can name the document location.
func (d *Document) Tables() []Table {
	var out []Table
	var walk func(n *Node, section string)
	walk = func(n *Node, section string) {
		if n == nil {
			return
		}
		switch n.Type {
		case NodeSection:
			if n.Title != "" {
				section = n.Title
			}
		case NodeTable:
			t := Table{Section: section}
			if n.Title != "" {
				t.Section = n.Title
			}
			for _, row := range n.Children {
				if row == nil || row.Type != NodeRow {
					continue
				}
				var cells []string
				for _, cell := range row.Children {
					if cell == nil {
						cells = append(cells, "")
						continue
					}
					cells = append(cells, strings.TrimSpace(cell.Text))
				}
				t.Rows = append(t.Rows, cells)
			}
			out = append(out, t)
			return
		}
		for _, c := range n.Children {
			walk(c, section)
		}
	}
	walk(d.Root, d.Title)
	return out
}

// Forms collects every form node in document order. Nodes tagged as forms are
// always included; untyped leaves that carry both a label and a name are
// treated as forms too, since eCRF exports are inconsistent about tagging.
func (d *Document) Forms() []*Node {
	var out []*Node
	var walk func(n *Node)
	walk = func(n *Node) {
		if n == nil {
			return
		}
		if n.Type == NodeForm || (n.Type == "" && len(n.Children) == 0 && n.Label != "" && n.Name != "") {
			out = append(out, n)
			return
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(d.Root)
	return out
}

// MetadataText joins a form node's label, name, free text, and metadata values
// into one string for pattern-based classification. Metadata keys are visited
// in sorted order so the result is stable.
func (n *Node) MetadataText() string {
	parts := []string{n.Label, n.Name, n.Text}
	keys := make([]string, 0, len(n.Meta))
	for k := range n.Meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, n.Meta[k])
	}
	var b strings.Builder
	for _, p := range parts {
		if p == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(p)
	}
	return b.String()
}
