package depgraph

import (
	"reflect"
	"testing"
)

func TestAffectedByIsTransitive(t *testing.T) {
	g := New()
	g.RecordInclusion("a.h", "b.cpp")
	g.RecordInclusion("a.h", "c.cpp")
	g.RecordInclusion("base.h", "a.h")
	g.RecordInclusion("base.h", "d.cpp")

	if got := g.AffectedBy("a.h"); !reflect.DeepEqual(got, []string{"b.cpp", "c.cpp"}) {
		t.Fatalf("AffectedBy(a.h) = %v", got)
	}
	want := []string{"a.h", "b.cpp", "c.cpp", "d.cpp"}
	if got := g.AffectedBy("base.h"); !reflect.DeepEqual(got, want) {
		t.Fatalf("AffectedBy(base.h) = %v, want %v", got, want)
	}
	if got := g.AffectedBy("unrelated.h"); len(got) != 0 {
		t.Fatalf("expected nothing affected, got %v", got)
	}
}

func TestAffectedByTerminatesOnCycles(t *testing.T) {
	g := New()
	g.RecordInclusion("x.h", "y.h")
	g.RecordInclusion("y.h", "x.h")
	g.RecordInclusion("y.h", "main.cpp")

	want := []string{"main.cpp", "y.h"}
	if got := g.AffectedBy("x.h"); !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestSetIncludesReplaces(t *testing.T) {
	g := New()
	g.SetIncludes("b.cpp", []string{"a.h", "old.h"})
	g.SetIncludes("b.cpp", []string{"a.h", "new.h"})

	if got := g.Includes("b.cpp"); !reflect.DeepEqual(got, []string{"a.h", "new.h"}) {
		t.Fatalf("Includes(b.cpp) = %v", got)
	}
	if got := g.AffectedBy("old.h"); len(got) != 0 {
		t.Fatalf("old.h must no longer affect b.cpp, got %v", got)
	}
}

func TestRemoveFileBothDirections(t *testing.T) {
	g := New()
	g.RecordInclusion("a.h", "b.cpp")
	g.RecordInclusion("base.h", "a.h")

	g.RemoveFile("a.h")

	if got := g.AffectedBy("base.h"); len(got) != 0 {
		t.Fatalf("expected no dependents after removing a.h, got %v", got)
	}
	if got := g.Includes("b.cpp"); len(got) != 0 {
		t.Fatalf("b.cpp must no longer include a.h, got %v", got)
	}
	if st := g.Stats(); st.Edges != 0 {
		t.Fatalf("expected empty graph, got %+v", st)
	}
}

func TestEdgesRestoreRoundTrip(t *testing.T) {
	g := New()
	g.RecordInclusion("a.h", "b.cpp")
	g.RecordInclusion("a.h", "c.cpp")

	restored := New()
	restored.Restore(g.Edges())

	if !reflect.DeepEqual(restored.Edges(), g.Edges()) {
		t.Fatalf("restored edges %v differ from %v", restored.Edges(), g.Edges())
	}
	if st := restored.Stats(); st.Sources != 2 || st.Headers != 1 || st.AvgIncludes != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}
}
