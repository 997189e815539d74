package language

import (
	"bytes"
	"fmt"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/formatter"
	"github.com/vektah/gqlparser/v2/parser"
)

// Document is a parsed operation descriptor. It is immutable once built and
// safe to share between goroutines.
type Document struct {
	// AST is the parsed query document, including fragment definitions.
	AST *QueryDocument
	// Source is the canonical printed form used on the wire and for cache keys.
	Source string
	// OperationName is the name of the selected operation; empty when anonymous.
	OperationName string
	// Operation is query, mutation or subscription.
	Operation Operation
}

func ParseQuery(source string) (*QueryDocument, error) {
	doc, err := parser.ParseQuery(&ast.Source{Input: source})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// Parse parses source and selects its operation. Documents holding several
// operations select the first one; use ParseNamed to pick another.
func Parse(source string) (*Document, error) {
	return ParseNamed(source, "")
}

// ParseNamed parses source and selects the operation called name.
func ParseNamed(source, name string) (*Document, error) {
	qd, err := ParseQuery(source)
	if err != nil {
		return nil, err
	}
	if len(qd.Operations) == 0 {
		return nil, fmt.Errorf("language: document has no operation")
	}
	op := qd.Operations[0]
	if name != "" {
		op = qd.Operations.ForName(name)
		if op == nil {
			return nil, fmt.Errorf("language: unknown operation %q", name)
		}
	}
	return &Document{
		AST:           qd,
		Source:        Print(qd),
		OperationName: op.Name,
		Operation:     op.Operation,
	}, nil
}

// MustParse is Parse for package-level operation declarations.
func MustParse(source string) *Document {
	d, err := Parse(source)
	if err != nil {
		panic(err)
	}
	return d
}

// Print renders qd in gqlparser's canonical formatting.
func Print(qd *QueryDocument) string {
	var buf bytes.Buffer
	formatter.NewFormatter(&buf).FormatQueryDocument(qd)
	return buf.String()
}

// Definition returns the selected operation definition.
func (d *Document) Definition() *OperationDefinition {
	if d.OperationName == "" {
		return d.AST.Operations[0]
	}
	return d.AST.Operations.ForName(d.OperationName)
}

// Fragment returns the named fragment definition, or the only one when name is
// empty and the document declares exactly one.
func (d *Document) Fragment(name string) *FragmentDefinition {
	if name == "" {
		if len(d.AST.Fragments) == 1 {
			return d.AST.Fragments[0]
		}
		return nil
	}
	return d.AST.Fragments.ForName(name)
}

// ParseFragments parses a document made of fragment definitions only, as used
// for fragment projection.
func ParseFragments(source string) (*Document, error) {
	qd, err := ParseQuery(source)
	if err != nil {
		return nil, err
	}
	if len(qd.Fragments) == 0 {
		return nil, fmt.Errorf("language: document has no fragment")
	}
	return &Document{AST: qd, Source: Print(qd)}, nil
}
