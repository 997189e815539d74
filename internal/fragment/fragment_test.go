package fragment

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	language "github.com/hanpama/queryset/internal/language"
	"github.com/stretchr/testify/require"
)

func mustFragments(t *testing.T, src string) *language.Document {
	t.Helper()
	doc, err := language.ParseFragments(src)
	require.NoError(t, err)
	return doc
}

func TestProject(t *testing.T) {
	doc := mustFragments(t, `
fragment UserCard on User {
  name
  handle: login
  avatar { url }
  ...Contact
  ... on Admin { level }
}
fragment Contact on User { email avatar { size } }
`)
	from := map[string]any{
		"__typename": "User",
		"id":         "1",
		"name":       "John",
		"handle":     "jdoe",
		"email":      "john@example.com",
		"avatar":     map[string]any{"url": "/a.png", "size": 64.0, "alt": "john"},
	}

	got, err := Project(doc, "UserCard", from)
	require.NoError(t, err)
	want := map[string]any{
		"name":   "John",
		"handle": "jdoe",
		"email":  "john@example.com",
		"avatar": map[string]any{"url": "/a.png", "size": 64.0},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("projection mismatch (-want +got):\n%s", diff)
	}
}

func TestProjectLists(t *testing.T) {
	doc := mustFragments(t, `fragment Posts on User { posts { title } }`)
	got, err := Project(doc, "", map[string]any{
		"posts": []any{
			map[string]any{"title": "a", "body": "..."},
			map[string]any{"title": "b", "body": "..."},
		},
	})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"posts": []any{
		map[string]any{"title": "a"},
		map[string]any{"title": "b"},
	}}, got)
}

func TestProjectIncomplete(t *testing.T) {
	doc := mustFragments(t, `fragment UserCard on User { name email }`)
	_, err := Project(doc, "UserCard", map[string]any{"name": "John"})
	require.ErrorIs(t, err, ErrIncomplete)
	require.ErrorContains(t, err, "UserCard.email")
}

func TestProjectNullIsComplete(t *testing.T) {
	doc := mustFragments(t, `fragment UserCard on User { avatar { url } }`)
	got, err := Project(doc, "UserCard", map[string]any{"avatar": nil})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"avatar": nil}, got)
}

func TestProjectTypeConditions(t *testing.T) {
	doc := mustFragments(t, `fragment Item on Node { ... on Node { id } ... on Post { title } }`)
	from := map[string]any{"__typename": "User", "id": "1"}

	got, err := Project(doc, "Item", from)
	require.NoError(t, err)
	require.Equal(t, map[string]any{}, got)

	got, err = Project(doc, "Item", from, WithPossibleTypes(map[string][]string{"Node": {"User", "Post"}}))
	require.NoError(t, err)
	require.Equal(t, map[string]any{"id": "1"}, got)
}

func TestProjectUnknownFragment(t *testing.T) {
	doc := mustFragments(t, `fragment A on User { id } fragment B on User { id }`)
	_, err := Project(doc, "", map[string]any{"id": "1"})
	require.ErrorIs(t, err, ErrUnknownFragment)
	_, err = Project(doc, "C", map[string]any{"id": "1"})
	require.ErrorIs(t, err, ErrUnknownFragment)
}
