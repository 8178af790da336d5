package ldap

import (
	"bytes"
	"slices"

	"github.com/go-ldap/ldap/v3"
)

type sortItem struct {
	entry *ldap.Entry
	keys  [][]byte
}

// sortEntries orders entries in place by rules, comparing raw attribute
// bytes. A missing attribute sorts as the empty value. The sort is stable.
func sortEntries(entries []*ldap.Entry, rules []OrderingRule, req *SearchRequest) error {
	if len(rules) == 0 || len(entries) < 2 {
		return nil
	}

	items := make([]sortItem, len(entries))
	for i, e := range entries {
		keys := make([][]byte, len(rules))
		for j, r := range rules {
			key, err := sortKey(e, r, req)
			if err != nil {
				return err
			}
			keys[j] = key
		}
		items[i] = sortItem{entry: e, keys: keys}
	}

	slices.SortStableFunc(items, func(a, b sortItem) int {
		for j, r := range rules {
			c := bytes.Compare(a.keys[j], b.keys[j])
			if r.Descending {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		return 0
	})

	for i := range items {
		entries[i] = items[i].entry
	}
	return nil
}

func sortKey(e *ldap.Entry, r OrderingRule, req *SearchRequest) ([]byte, error) {
	if !r.Annotation {
		values := e.GetEqualFoldRawAttributeValues(r.Attribute)
		if len(values) == 0 {
			return nil, nil
		}
		return values[0], nil
	}

	a := findAnnotation(req.Annotations, r.Attribute)
	if a == nil {
		return nil, newQueryError("sort", ErrorCategoryUnsupportedOrdering, "unknown annotation %q", r.Attribute)
	}
	scope := make(map[string]any)
	for _, f := range a.Expr.Fields() {
		if err := decodeIntoScope(scope, e, req.Model, f); err != nil {
			return nil, err
		}
	}
	v, err := a.Expr.Evaluate(scope)
	if err != nil {
		return nil, err
	}
	s, ok := scalarString(v)
	if !ok {
		return nil, nil
	}
	return []byte(s), nil
}

// sliceBounds clamps [offset, offset+limit) to n items. A zero limit means
// no upper bound.
func sliceBounds(n, offset, limit int) (int, int) {
	start := min(offset, n)
	end := n
	if limit > 0 {
		end = min(start+limit, n)
	}
	return start, end
}
