package provider

import (
	"fmt"
	"slices"
	"strings"

	ldapclient "github.com/isometry/terraform-provider-ldapdb/internal/ldap"
	"github.com/isometry/terraform-provider-ldapdb/internal/provider/helpers"
)

const objectClassAttribute = "objectClass"

// caseIgnoreCodec compares values case-insensitively, matching the
// objectIdentifierMatch and caseIgnoreMatch rules of schema names.
type caseIgnoreCodec struct {
	ldapclient.StringCodec
}

func (caseIgnoreCodec) Canonical(value string) string {
	return strings.ToLower(value)
}

// entrySpec is the directory view of an ldapdb_entry configuration.
type entrySpec struct {
	rdnAttribute  string
	parentDN      string
	objectClasses []string
	attributes    map[string][]string
	strategies    map[string]ldapclient.UpdateStrategy
}

func newEntrySpec(rdnAttribute, parentDN string, objectClasses []string, attributes map[string][]string, strategies map[string]string) (*entrySpec, error) {
	spec := &entrySpec{
		rdnAttribute:  strings.TrimSpace(rdnAttribute),
		parentDN:      strings.TrimSpace(parentDN),
		objectClasses: objectClasses,
		attributes:    attributes,
		strategies:    make(map[string]ldapclient.UpdateStrategy, len(strategies)),
	}
	if spec.attributes == nil {
		spec.attributes = map[string][]string{}
	}

	for name := range spec.attributes {
		if strings.EqualFold(name, objectClassAttribute) {
			return nil, fmt.Errorf("set object classes with object_classes, not attributes[%q]", name)
		}
	}

	for name, raw := range strategies {
		if spec.lookup(name) == "" {
			return nil, fmt.Errorf("multi_valued_strategy names %q, which is not in attributes", name)
		}
		strategy, err := ldapclient.ParseUpdateStrategy(raw)
		if err != nil {
			return nil, err
		}
		spec.strategies[strings.ToLower(name)] = strategy
	}

	if _, err := spec.rdnValue(); err != nil {
		return nil, err
	}
	return spec, nil
}

// lookup returns the configured key matching name case-insensitively.
func (s *entrySpec) lookup(name string) string {
	for key := range s.attributes {
		if strings.EqualFold(key, name) {
			return key
		}
	}
	return ""
}

func (s *entrySpec) rdnValue() (string, error) {
	key := s.lookup(s.rdnAttribute)
	if key == "" {
		return "", fmt.Errorf("attributes must contain a value for the RDN attribute %q", s.rdnAttribute)
	}
	values := s.attributes[key]
	if len(values) != 1 || values[0] == "" {
		return "", fmt.Errorf("the RDN attribute %q needs exactly one non-empty value, got %d", s.rdnAttribute, len(values))
	}
	return values[0], nil
}

// dn returns <rdn_attribute>=<value>,<parent_dn>.
func (s *entrySpec) dn() (string, error) {
	value, err := s.rdnValue()
	if err != nil {
		return "", err
	}
	return ldapclient.BuildDN(s.rdnAttribute, value, s.parentDN)
}

// model declares every configured attribute plus the removed ones, so that
// an update can clear attributes dropped from the configuration.
func (s *entrySpec) model(removed []string) (*ldapclient.Model, error) {
	names := append(helpers.SortedKeys(s.attributes), removed...)
	descriptors := make([]*ldapclient.AttributeDescriptor, 0, len(names)+1)
	for _, name := range names {
		desc := &ldapclient.AttributeDescriptor{
			Name:        name,
			MultiValued: true,
			Strategy:    s.strategies[strings.ToLower(name)],
		}
		if strings.EqualFold(name, s.rdnAttribute) {
			desc.PrimaryKey = true
			desc.MultiValued = false
			desc.Strategy = ldapclient.UpdateReplace
		}
		descriptors = append(descriptors, desc)
	}
	descriptors = append(descriptors, &ldapclient.AttributeDescriptor{
		Name:        objectClassAttribute,
		MultiValued: true,
		Strategy:    ldapclient.UpdateAddDelete,
		Codec:       caseIgnoreCodec{},
	})

	model := &ldapclient.Model{
		Name:          "ldapdb_entry",
		BaseDN:        s.parentDN,
		ObjectClasses: slices.Clone(s.objectClasses),
		Scope:         ldapclient.ScopeBaseObject,
		Attributes:    descriptors,
	}
	if err := model.Validate(); err != nil {
		return nil, err
	}
	return model, nil
}

// insertValues are the values of a new entry; object classes come from
// the model.
func (s *entrySpec) insertValues() map[string]any {
	values := make(map[string]any, len(s.attributes))
	for name, v := range s.attributes {
		if strings.EqualFold(name, s.rdnAttribute) {
			values[name] = v[0]
			continue
		}
		values[name] = v
	}
	return values
}

// updateValues are the desired values of an existing entry. Removed
// attributes map to nil and are cleared.
func (s *entrySpec) updateValues(removed []string) map[string]any {
	values := s.insertValues()
	for _, name := range removed {
		values[name] = nil
	}
	if len(s.objectClasses) > 0 {
		values[objectClassAttribute] = s.objectClasses
	}
	return values
}

// removedAttributes lists attributes present in prior but not in desired.
func removedAttributes(prior, desired map[string][]string) []string {
	var removed []string
	for _, name := range helpers.SortedKeys(prior) {
		if !slices.ContainsFunc(helpers.SortedKeys(desired), func(d string) bool { return strings.EqualFold(d, name) }) {
			removed = append(removed, name)
		}
	}
	return removed
}

// reconcileValues returns prior when it holds the same values as current,
// so that server-side reordering of multi-valued attributes is not drift.
func reconcileValues(prior, current []string) []string {
	if len(prior) != len(current) {
		return current
	}
	a := slices.Clone(prior)
	b := slices.Clone(current)
	slices.Sort(a)
	slices.Sort(b)
	if slices.Equal(a, b) {
		return prior
	}
	return current
}
