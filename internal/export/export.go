package export

import (
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"html/template"
	"io"
	"sort"
	"strings"
)

// Format names an output format.
type Format string

const (
	FormatJSON    Format = "json"
	FormatDOT     Format = "dot"
	FormatMermaid Format = "mermaid"
	FormatGraphML Format = "graphml"
	FormatHTML    Format = "html"
)

// Formats lists the supported formats.
var Formats = []Format{FormatJSON, FormatDOT, FormatMermaid, FormatGraphML, FormatHTML}

var ErrUnknownFormat = errors.New("unknown export format")

func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(s)))
	if f == "" {
		return FormatJSON, nil
	}
	for _, known := range Formats {
		if f == known {
			return f, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
}

// ContentType is the HTTP media type of f.
func (f Format) ContentType() string {
	switch f {
	case FormatHTML:
		return "text/html; charset=utf-8"
	case FormatGraphML:
		return "application/xml"
	case FormatJSON:
		return "application/json"
	default:
		return "text/plain; charset=utf-8"
	}
}

// Write renders snap to w in format f.
func Write(w io.Writer, f Format, snap Snapshot) error {
	switch f {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	case FormatDOT:
		_, err := io.WriteString(w, DOT(snap))
		return err
	case FormatMermaid:
		_, err := io.WriteString(w, Mermaid(snap))
		return err
	case FormatGraphML:
		return writeGraphML(w, snap)
	case FormatHTML:
		return htmlPage.Execute(w, newHTMLData(snap))
	}
	return fmt.Errorf("%w: %q", ErrUnknownFormat, f)
}

// DOT renders an undirected Graphviz graph with one cluster per entity type.
func DOT(snap Snapshot) string {
	var b strings.Builder
	b.WriteString("graph knowledge {\n")
	b.WriteString("  layout=neato;\n")
	b.WriteString("  overlap=false;\n")
	b.WriteString("  node [fontname=\"Helvetica\" style=filled];\n")
	b.WriteString("  edge [fontname=\"Helvetica\" fontsize=10];\n\n")

	colors := typeColors(snap)
	for _, typ := range sortedTypes(snap) {
		fmt.Fprintf(&b, "  subgraph cluster_%s {\n", sanitizeID(typ))
		fmt.Fprintf(&b, "    label=%q;\n", typ)
		b.WriteString("    style=dashed;\n")
		for _, n := range snap.Nodes {
			if n.Type != typ {
				continue
			}
			fmt.Fprintf(&b, "    %q [label=%q fillcolor=%q];\n", n.ID, n.Name, colors[typ])
		}
		b.WriteString("  }\n\n")
	}
	for _, e := range snap.Edges {
		fmt.Fprintf(&b, "  %q -- %q [penwidth=%.1f", e.Source, e.Target, penWidth(e.Weight))
		if len(e.Keywords) > 0 {
			fmt.Fprintf(&b, " label=%q", strings.Join(e.Keywords, ", "))
		}
		b.WriteString("];\n")
	}
	b.WriteString("}\n")
	return b.String()
}

// Mermaid renders a flowchart with one subgraph per entity type.
func Mermaid(snap Snapshot) string {
	var b strings.Builder
	b.WriteString("graph LR\n")
	for _, typ := range sortedTypes(snap) {
		fmt.Fprintf(&b, "  subgraph %s\n", sanitizeID(typ))
		for _, n := range snap.Nodes {
			if n.Type == typ {
				fmt.Fprintf(&b, "    %s[\"%s\"]\n", sanitizeID(n.ID), mermaidText(n.Name))
			}
		}
		b.WriteString("  end\n")
	}
	for _, e := range snap.Edges {
		link := "---"
		if len(e.Keywords) > 0 {
			link = "---|" + mermaidText(strings.Join(e.Keywords, ", ")) + "|"
		}
		fmt.Fprintf(&b, "  %s %s %s\n", sanitizeID(e.Source), link, sanitizeID(e.Target))
	}
	return b.String()
}

func sanitizeID(s string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			return r
		}
		return '_'
	}, s)
}

func mermaidText(s string) string {
	return strings.NewReplacer(`"`, "#quot;", "|", "#124;").Replace(s)
}

func penWidth(weight float64) float64 {
	return min(1+weight/2, 6)
}

var palette = []string{"#1f6feb", "#238636", "#8957e5", "#d29922", "#f85149", "#3fb950", "#db61a2", "#58a6ff"}

func sortedTypes(snap Snapshot) []string {
	types := make([]string, 0, len(snap.Stats.ByType))
	for t := range snap.Stats.ByType {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func typeColors(snap Snapshot) map[string]string {
	colors := make(map[string]string)
	for i, t := range sortedTypes(snap) {
		colors[t] = palette[i%len(palette)]
	}
	return colors
}

type graphML struct {
	XMLName xml.Name     `xml:"graphml"`
	XMLNS   string       `xml:"xmlns,attr"`
	Keys    []graphMLKey `xml:"key"`
	Graph   graphMLGraph `xml:"graph"`
}

type graphMLKey struct {
	ID       string `xml:"id,attr"`
	For      string `xml:"for,attr"`
	Name     string `xml:"attr.name,attr"`
	AttrType string `xml:"attr.type,attr"`
}

type graphMLGraph struct {
	ID          string        `xml:"id,attr"`
	EdgeDefault string        `xml:"edgedefault,attr"`
	Nodes       []graphMLNode `xml:"node"`
	Edges       []graphMLEdge `xml:"edge"`
}

type graphMLNode struct {
	ID   string        `xml:"id,attr"`
	Data []graphMLData `xml:"data"`
}

type graphMLEdge struct {
	Source string        `xml:"source,attr"`
	Target string        `xml:"target,attr"`
	Data   []graphMLData `xml:"data"`
}

type graphMLData struct {
	Key   string `xml:"key,attr"`
	Value string `xml:",chardata"`
}

func writeGraphML(w io.Writer, snap Snapshot) error {
	doc := graphML{
		XMLNS: "http://graphml.graphdrawing.org/xmlns",
		Keys: []graphMLKey{
			{ID: "name", For: "node", Name: "name", AttrType: "string"},
			{ID: "type", For: "node", Name: "type", AttrType: "string"},
			{ID: "description", For: "node", Name: "description", AttrType: "string"},
			{ID: "weight", For: "edge", Name: "weight", AttrType: "double"},
			{ID: "keywords", For: "edge", Name: "keywords", AttrType: "string"},
			{ID: "edescription", For: "edge", Name: "description", AttrType: "string"},
		},
		Graph: graphMLGraph{ID: "knowledge", EdgeDefault: "undirected"},
	}
	for _, n := range snap.Nodes {
		doc.Graph.Nodes = append(doc.Graph.Nodes, graphMLNode{ID: n.ID, Data: []graphMLData{
			{Key: "name", Value: n.Name},
			{Key: "type", Value: n.Type},
			{Key: "description", Value: n.Description},
		}})
	}
	for _, e := range snap.Edges {
		doc.Graph.Edges = append(doc.Graph.Edges, graphMLEdge{Source: e.Source, Target: e.Target, Data: []graphMLData{
			{Key: "weight", Value: fmt.Sprintf("%g", e.Weight)},
			{Key: "keywords", Value: strings.Join(e.Keywords, ", ")},
			{Key: "edescription", Value: e.Description},
		}})
	}
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encoding graphml: %w", err)
	}
	_, err := io.WriteString(w, "\n")
	return err
}

type visNode struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Title string `json:"title"`
	Group string `json:"group"`
	Color string `json:"color"`
	Value int    `json:"value"`
}

type visEdge struct {
	From  string  `json:"from"`
	To    string  `json:"to"`
	Title string  `json:"title,omitempty"`
	Value float64 `json:"value"`
}

type htmlData struct {
	Stats Stats
	Nodes []visNode
	Edges []visEdge
}

func newHTMLData(snap Snapshot) htmlData {
	colors := typeColors(snap)
	d := htmlData{Stats: snap.Stats, Nodes: []visNode{}, Edges: []visEdge{}}
	for _, n := range snap.Nodes {
		d.Nodes = append(d.Nodes, visNode{
			ID:    n.ID,
			Label: n.Name,
			Title: n.Type + ": " + n.Description,
			Group: n.Type,
			Color: colors[n.Type],
			Value: n.Degree + 1,
		})
	}
	for _, e := range snap.Edges {
		d.Edges = append(d.Edges, visEdge{From: e.Source, To: e.Target, Title: e.Description, Value: e.Weight})
	}
	return d
}

var htmlPage = template.Must(template.New("graph").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Knowledge graph</title>
<script src="https://unpkg.com/vis-network/standalone/umd/vis-network.min.js"></script>
<style>
body { margin: 0; font-family: Helvetica, sans-serif; background: #0d1117; color: #c9d1d9; }
header { padding: 8px 16px; }
#graph { width: 100vw; height: calc(100vh - 40px); }
</style>
</head>
<body>
<header>{{.Stats.Entities}} entities, {{.Stats.Relations}} relations, {{.Stats.Components}} components</header>
<div id="graph"></div>
<script>
const nodes = new vis.DataSet({{.Nodes}});
const edges = new vis.DataSet({{.Edges}});
new vis.Network(document.getElementById("graph"), { nodes, edges }, {
  nodes: { shape: "dot", font: { color: "#c9d1d9" } },
  edges: { color: { color: "#8b949e" }, smooth: false },
  physics: { stabilization: { iterations: 200 } }
});
</script>
</body>
</html>
`))
