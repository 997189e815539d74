package language

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseSelectsFirstOperation(t *testing.T) {
	d, err := Parse(`query GetUser($id: ID!) { user(id: $id) { id name } } query Other { x }`)
	require.NoError(t, err)
	require.Equal(t, "GetUser", d.OperationName)
	require.Equal(t, Query, d.Operation)
	require.Equal(t, "GetUser", d.Definition().Name)
}

func TestParseNamed(t *testing.T) {
	d, err := ParseNamed(`query A { a } mutation B { b }`, "B")
	require.NoError(t, err)
	require.Equal(t, Mutation, d.Operation)

	_, err = ParseNamed(`query A { a }`, "C")
	require.Error(t, err)
}

func TestParseCanonicalSource(t *testing.T) {
	a := MustParse("query   Q {\n\n  a   b }")
	b := MustParse("query Q { a b }")
	if a.Source != b.Source {
		t.Fatalf("expected equal canonical source:\n%s\n%s", a.Source, b.Source)
	}
	require.True(t, strings.Contains(a.Source, "query Q"))
}

func TestParseErrors(t *testing.T) {
	_, err := Parse(`query {`)
	require.Error(t, err)

	_, err = Parse(`fragment F on User { id }`)
	require.Error(t, err)
}

func TestParseFragments(t *testing.T) {
	d, err := ParseFragments(`fragment UserFields on User { id name }`)
	require.NoError(t, err)
	require.NotNil(t, d.Fragment(""))
	require.NotNil(t, d.Fragment("UserFields"))
	require.Nil(t, d.Fragment("Missing"))
}
