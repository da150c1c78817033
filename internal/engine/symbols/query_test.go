package symbols

import (
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainerrors "symindex/internal/core/errors"
)

func seededStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore(DefaultOptions())
	s.Upsert("view.h", []Record{
		rec("c:@S@View", "View", KindClass, "view.h", 1),
		rec("c:@S@ViewManager", "ViewManager", KindClass, "view.h", 10),
		rec("c:@S@ListView", "ListView", KindClass, "view.h", 20),
		rec("c:@S@View@F@render#", "render", KindMethod, "view.h", 4),
	})
	ext := rec("c:@S@ExternalView", "ExternalView", KindClass, "/usr/include/ext.h", 1)
	ext.IsProject = false
	s.Upsert("/usr/include/ext.h", []Record{ext})
	return s
}

func names(recs []Record) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Name)
	}
	return out
}

func TestQueryByName(t *testing.T) {
	s := seededStore(t)

	cases := []struct {
		name        string
		group       Group
		pattern     string
		projectOnly bool
		want        []string
	}{
		{"exact is case-insensitive", GroupTypes, "view", false, []string{"View"}},
		{"anchored prefix", GroupTypes, "View.*", false, []string{"View", "ViewManager"}},
		{"contains", GroupTypes, ".*view.*", false, []string{"ExternalView", "ListView", "View", "ViewManager"}},
		{"project only", GroupTypes, ".*View", true, []string{"ListView", "View"}},
		{"functions group", GroupFunctions, "rend.*", false, []string{"render"}},
		{"types exclude functions", GroupTypes, "render", false, []string{}},
		{"empty matches all", GroupFunctions, "", false, []string{"render"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := s.QueryByName(t.Context(), tc.group, tc.pattern, tc.projectOnly)
			require.NoError(t, err)
			assert.False(t, got.TimedOut)
			assert.Equal(t, tc.want, names(got.Records))
		})
	}
}

func TestQueryInvalidPattern(t *testing.T) {
	s := seededStore(t)
	_, err := s.QueryByName(t.Context(), GroupAll, "(unclosed", false)
	require.Error(t, err)
	assert.True(t, domainerrors.IsCode(err, domainerrors.CodeValidationError))
}

func TestQueryCatastrophicPatternIsBounded(t *testing.T) {
	budget := 200 * time.Millisecond
	s := NewStore(Options{RegexTimeout: budget})
	adversarial := strings.Repeat("a", 40)
	s.Upsert("evil.h", []Record{rec("c:@F@evil#", adversarial, KindFunction, "evil.h", 1)})

	start := time.Now()
	got, err := s.QueryByName(t.Context(), GroupAll, "(a+)+b", false)
	elapsed := time.Since(start)

	require.NoError(t, err, "a timeout degrades to no match, not an error")
	assert.Empty(t, got.Records)
	assert.Less(t, elapsed, 2*time.Second, "regex evaluation must respect the budget")
}

func TestIsPattern(t *testing.T) {
	assert.False(t, IsPattern("Widget"))
	assert.False(t, IsPattern("make_widget"))
	assert.True(t, IsPattern("Widget.*"))
	assert.True(t, IsPattern("^draw$"))
}

func qualifiedStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore(DefaultOptions())
	mk := func(id, name, qualified, parent string, kind Kind, file string, line int) Record {
		r := rec(id, name, kind, file, line)
		r.QualifiedName = qualified
		r.ParentType = parent
		return r
	}
	s.Upsert("src/ui/view.h", []Record{
		mk("c:@S@View", "View", "View", "", KindClass, "src/ui/view.h", 1),
		mk("c:@N@ui@S@View", "View", "ui::View", "", KindClass, "src/ui/view.h", 10),
		mk("c:@N@ui@S@View@F@draw#", "draw", "ui::View::draw", "View", KindMethod, "src/ui/view.h", 12),
	})
	s.Upsert("src/app/view.h", []Record{
		mk("c:@N@app@N@ui@S@View", "View", "app::ui::View", "", KindClass, "src/app/view.h", 3),
		mk("c:@N@app@S@MyView", "MyView", "app::MyView", "", KindClass, "src/app/view.h", 8),
		mk("c:@N@app@S@MyView@F@draw#", "draw", "app::MyView::draw", "MyView", KindMethod, "src/app/view.h", 9),
	})
	return s
}

func qualifiedNames(recs []Record) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.QualifiedName)
	}
	sort.Strings(out)
	return out
}

func TestDetectMode(t *testing.T) {
	cases := map[string]PatternMode{
		"":              ModeAll,
		"View":          ModeName,
		"View.*":        ModeNameRegex,
		"::View":        ModeGlobal,
		"ui::View":      ModeSuffix,
		"app::.*::View": ModeQualifiedRegex,
	}
	for pattern, want := range cases {
		assert.Equal(t, want, DetectMode(pattern), pattern)
	}
}

func TestSearchQualifiedPatterns(t *testing.T) {
	s := qualifiedStore(t)

	cases := []struct {
		name    string
		pattern string
		want    []string
	}{
		{"unqualified matches every namespace", "View", []string{"View", "app::ui::View", "ui::View"}},
		{"leading scope is the global namespace only", "::View", []string{"View"}},
		{"suffix respects component boundaries", "ui::View", []string{"app::ui::View", "ui::View"}},
		{"suffix is case-insensitive", "UI::view", []string{"app::ui::View", "ui::View"}},
		{"partial component does not match", "i::View", []string{}},
		{"regex runs against the qualified name", "app::.*View", []string{"app::MyView", "app::ui::View"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := s.Search(t.Context(), Filter{Group: GroupTypes, Pattern: tc.pattern})
			require.NoError(t, err)
			assert.Equal(t, tc.want, qualifiedNames(got.Records))
		})
	}
}

func TestSearchFilters(t *testing.T) {
	s := qualifiedStore(t)

	got, err := s.Search(t.Context(), Filter{Group: GroupFunctions, Pattern: "draw", ParentType: "MyView"})
	require.NoError(t, err)
	assert.Equal(t, []string{"app::MyView::draw"}, qualifiedNames(got.Records))

	got, err = s.Search(t.Context(), Filter{Group: GroupTypes, Pattern: "View", FileSuffix: "ui/view.h"})
	require.NoError(t, err)
	assert.Equal(t, []string{"View", "ui::View"}, qualifiedNames(got.Records))
}

func TestInFile(t *testing.T) {
	s := qualifiedStore(t)

	got, err := s.InFile(t.Context(), "src/app/view.h", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"View", "MyView", "draw"}, names(got.Records), "ordered by position")

	got, err = s.InFile(t.Context(), "src/app/view.h", ".*view")
	require.NoError(t, err)
	assert.Equal(t, []string{"View", "MyView"}, names(got.Records))

	got, err = s.InFile(t.Context(), "missing.h", "")
	require.NoError(t, err)
	assert.Empty(t, got.Records)
}
