package components

import (
	fragment "github.com/hanpama/queryset/internal/fragment"
	language "github.com/hanpama/queryset/internal/language"
)

// SuspenseFragment projects the named fragment of doc out of from and calls
// children with it. Incomplete data is returned as fragment.ErrIncomplete
// instead of being rendered.
func SuspenseFragment(doc *language.Document, fragmentName string, from map[string]any, children func(data map[string]any), opts ...fragment.Option) error {
	data, err := fragment.Project(doc, fragmentName, from, opts...)
	if err != nil {
		return err
	}
	children(data)
	return nil
}
