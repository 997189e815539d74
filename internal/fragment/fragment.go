// Package fragment reads the selection of a GraphQL fragment out of response
// data.
package fragment

import (
	"errors"
	"fmt"

	language "github.com/hanpama/queryset/internal/language"
)

var (
	// ErrIncomplete is returned when the data lacks a field the fragment
	// selects.
	ErrIncomplete = errors.New("fragment: data is incomplete")
	// ErrUnknownFragment is returned when the document has no such fragment.
	ErrUnknownFragment = errors.New("fragment: unknown fragment")
)

type Options struct {
	// PossibleTypes maps an abstract type to its concrete types, so that
	// "... on Node" matches an object whose __typename is "User".
	PossibleTypes map[string][]string
}

type Option func(*Options)

func WithPossibleTypes(m map[string][]string) Option {
	return func(o *Options) { o.PossibleTypes = m }
}

// Project returns the part of from selected by the named fragment of doc. An
// empty name picks the document's only fragment. Fields are keyed by alias when
// one is given. Type conditions are checked against __typename when the data
// carries it; objects without __typename match every condition.
func Project(doc *language.Document, fragmentName string, from map[string]any, opts ...Option) (map[string]any, error) {
	def := doc.Fragment(fragmentName)
	if def == nil {
		return nil, fmt.Errorf("%w %q", ErrUnknownFragment, fragmentName)
	}
	var o Options
	for _, f := range opts {
		f(&o)
	}
	p := &projector{doc: doc, opts: o, active: map[string]bool{def.Name: true}}
	out := map[string]any{}
	if err := p.selections(def.SelectionSet, from, out, def.Name); err != nil {
		return nil, err
	}
	return out, nil
}

type projector struct {
	doc    *language.Document
	opts   Options
	active map[string]bool
}

func (p *projector) selections(set language.SelectionSet, from, out map[string]any, path string) error {
	for _, sel := range set {
		switch s := sel.(type) {
		case *language.Field:
			key := s.Alias
			if key == "" {
				key = s.Name
			}
			v, ok := from[key]
			if !ok {
				return fmt.Errorf("%w: missing %s.%s", ErrIncomplete, path, key)
			}
			pv, err := p.value(s.SelectionSet, v, path+"."+key)
			if err != nil {
				return err
			}
			out[key] = merge(out[key], pv)

		case *language.InlineFragment:
			if !p.matches(s.TypeCondition, from) {
				continue
			}
			if err := p.selections(s.SelectionSet, from, out, path); err != nil {
				return err
			}

		case *language.FragmentSpread:
			def := p.doc.AST.Fragments.ForName(s.Name)
			if def == nil {
				return fmt.Errorf("%w %q", ErrUnknownFragment, s.Name)
			}
			if p.active[s.Name] || !p.matches(def.TypeCondition, from) {
				continue
			}
			p.active[s.Name] = true
			err := p.selections(def.SelectionSet, from, out, path)
			delete(p.active, s.Name)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *projector) value(set language.SelectionSet, v any, path string) (any, error) {
	if len(set) == 0 || v == nil {
		return v, nil
	}
	switch t := v.(type) {
	case map[string]any:
		out := map[string]any{}
		if err := p.selections(set, t, out, path); err != nil {
			return nil, err
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			pv, err := p.value(set, item, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			out[i] = pv
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %s is a leaf but has a selection", ErrIncomplete, path)
}

func (p *projector) matches(cond string, from map[string]any) bool {
	typename, ok := from["__typename"].(string)
	if cond == "" || !ok || typename == cond {
		return true
	}
	for _, t := range p.opts.PossibleTypes[cond] {
		if t == typename {
			return true
		}
	}
	return false
}

// merge combines two projections of the same response key.
func merge(a, b any) any {
	am, aok := a.(map[string]any)
	bm, bok := b.(map[string]any)
	if !aok || !bok {
		if b == nil {
			return a
		}
		return b
	}
	for k, v := range bm {
		am[k] = merge(am[k], v)
	}
	return am
}
