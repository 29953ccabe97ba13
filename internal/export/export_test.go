package export

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"errors"
	"strings"
	"testing"

	"github.com/efebarandurmaz/kiln/internal/graph"
)

func makeTestSnapshot() Snapshot {
	s := graph.NewStore()
	s.UpsertEntity(graph.EntityUpdate{Name: "Alice", Type: "person", Description: "Alice works at Acme.", SourceID: "doc-c0000"})
	s.UpsertEntity(graph.EntityUpdate{Name: "Acme", Type: "organization", Description: "Acme is a company.", SourceID: "doc-c0000"})
	s.UpsertEntity(graph.EntityUpdate{Name: "Springfield", Type: "location", SourceID: "doc-c0001"})
	s.UpsertEntity(graph.EntityUpdate{Name: "Bob", Type: "person", SourceID: "doc-c0002"})
	s.UpsertRelation(graph.RelationUpdate{Source: "Alice", Target: "Acme", Description: "employment", Keywords: []string{"works at"}, Weight: 2, SourceID: "doc-c0000"})
	s.UpsertRelation(graph.RelationUpdate{Source: "Acme", Target: "Springfield", Description: "Acme is based in Springfield.", Weight: 1, SourceID: "doc-c0001"})
	return FromStore(s)
}

func TestFromStore_Stats(t *testing.T) {
	snap := makeTestSnapshot()

	if snap.Stats.Entities != 4 {
		t.Errorf("expected 4 entities, got %d", snap.Stats.Entities)
	}
	if snap.Stats.Relations != 2 {
		t.Errorf("expected 2 relations, got %d", snap.Stats.Relations)
	}
	if snap.Stats.ByType["PERSON"] != 2 {
		t.Errorf("expected 2 PERSON entities, got %d", snap.Stats.ByType["PERSON"])
	}
	if snap.Stats.Hotspot != "acme" || snap.Stats.MaxDegree != 2 {
		t.Errorf("expected hotspot acme with degree 2, got %s (%d)", snap.Stats.Hotspot, snap.Stats.MaxDegree)
	}
	// alice-acme-springfield and bob alone
	if snap.Stats.Components != 2 {
		t.Errorf("expected 2 components, got %d", snap.Stats.Components)
	}
	for i := 1; i < len(snap.Nodes); i++ {
		if snap.Nodes[i-1].ID >= snap.Nodes[i].ID {
			t.Fatalf("nodes not sorted: %s before %s", snap.Nodes[i-1].ID, snap.Nodes[i].ID)
		}
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in   string
		want Format
	}{
		{"", FormatJSON},
		{"json", FormatJSON},
		{"DOT", FormatDOT},
		{" mermaid ", FormatMermaid},
		{"graphml", FormatGraphML},
		{"html", FormatHTML},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if err != nil {
			t.Fatalf("ParseFormat(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseFormat(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
	if _, err := ParseFormat("png"); !errors.Is(err, ErrUnknownFormat) {
		t.Errorf("expected ErrUnknownFormat, got %v", err)
	}
}

func TestExportDOT(t *testing.T) {
	dot := DOT(makeTestSnapshot())

	for _, want := range []string{"graph knowledge {", "subgraph cluster_PERSON", `"acme" -- "alice"`, `label="works at"`} {
		if !strings.Contains(dot, want) {
			t.Errorf("DOT output should contain %q\n%s", want, dot)
		}
	}
	if strings.Contains(dot, "->") {
		t.Error("DOT output should be undirected")
	}
}

func TestExportMermaid(t *testing.T) {
	mermaid := Mermaid(makeTestSnapshot())

	for _, want := range []string{"graph LR", "subgraph LOCATION", `springfield["Springfield"]`, "acme ---|works at| alice", "acme --- springfield"} {
		if !strings.Contains(mermaid, want) {
			t.Errorf("Mermaid output should contain %q\n%s", want, mermaid)
		}
	}
}

func TestExportJSON(t *testing.T) {
	snap := makeTestSnapshot()
	var buf bytes.Buffer
	if err := Write(&buf, FormatJSON, snap); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	var got Snapshot
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("JSON unmarshal failed: %v", err)
	}
	if len(got.Nodes) != len(snap.Nodes) || len(got.Edges) != len(snap.Edges) {
		t.Errorf("expected %d nodes and %d edges, got %d and %d", len(snap.Nodes), len(snap.Edges), len(got.Nodes), len(got.Edges))
	}
}

func TestExportGraphML(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, FormatGraphML, makeTestSnapshot()); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if !strings.HasPrefix(buf.String(), "<?xml") {
		t.Error("GraphML output should start with an XML header")
	}

	var doc graphML
	if err := xml.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("GraphML is not valid XML: %v", err)
	}
	if len(doc.Graph.Nodes) != 4 || len(doc.Graph.Edges) != 2 {
		t.Errorf("expected 4 nodes and 2 edges, got %d and %d", len(doc.Graph.Nodes), len(doc.Graph.Edges))
	}
	if doc.Graph.EdgeDefault != "undirected" {
		t.Errorf("expected undirected graph, got %q", doc.Graph.EdgeDefault)
	}
}

func TestExportHTML(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, FormatHTML, makeTestSnapshot()); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	html := buf.String()
	for _, want := range []string{"vis-network", "4 entities, 2 relations", `"label":"Springfield"`} {
		if !strings.Contains(html, want) {
			t.Errorf("HTML output should contain %q", want)
		}
	}
}

func TestExportEmptyGraph(t *testing.T) {
	snap := FromStore(graph.NewStore())
	for _, f := range Formats {
		var buf bytes.Buffer
		if err := Write(&buf, f, snap); err != nil {
			t.Errorf("Write(%s) on empty graph: %v", f, err)
		}
	}
	if snap.Stats.Components != 0 {
		t.Errorf("expected 0 components, got %d", snap.Stats.Components)
	}
}
