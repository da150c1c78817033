package callgraph

import (
	"reflect"
	"testing"
)

func TestFindPaths(t *testing.T) {
	g := New()
	g.AddCall("A", "B")
	g.AddCall("B", "C")

	tests := []struct {
		name     string
		from, to string
		depth    int
		want     [][]string
	}{
		{"chain within depth", "A", "C", 5, [][]string{{"A", "B", "C"}}},
		{"chain beyond depth", "A", "C", 1, nil},
		{"exact depth", "A", "C", 2, [][]string{{"A", "B", "C"}}},
		{"direct", "A", "B", 1, [][]string{{"A", "B"}}},
		{"no route backwards", "C", "A", 5, nil},
		{"same node", "A", "A", 0, [][]string{{"A"}}},
		{"unknown", "A", "Z", 5, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := g.FindPaths(tt.from, tt.to, tt.depth)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("FindPaths(%s, %s, %d) = %v, want %v", tt.from, tt.to, tt.depth, got, tt.want)
			}
		})
	}
}

func TestFindPathsReturnsAllShortest(t *testing.T) {
	g := New()
	// Diamond plus a longer detour.
	g.AddCall("main", "left")
	g.AddCall("main", "right")
	g.AddCall("left", "sink")
	g.AddCall("right", "sink")
	g.AddCall("main", "far")
	g.AddCall("far", "farther")
	g.AddCall("farther", "sink")

	got := g.FindPaths("main", "sink", 10)
	want := [][]string{
		{"main", "left", "sink"},
		{"main", "right", "sink"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestFindPathsHandlesCycles(t *testing.T) {
	g := New()
	g.AddCall("rec", "rec")
	g.AddCall("rec", "ping")
	g.AddCall("ping", "pong")
	g.AddCall("pong", "ping")
	g.AddCall("pong", "done")

	got := g.FindPaths("rec", "done", 10)
	want := [][]string{{"rec", "ping", "pong", "done"}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got := g.Callees("rec"); !reflect.DeepEqual(got, []string{"ping", "rec"}) {
		t.Fatalf("self edge must be representable, callees = %v", got)
	}
}
