package ldap

import (
	"fmt"
	"strings"
)

// DNColumn is the synthesized column holding an entry's distinguished name.
const DNColumn = "dn"

// DefaultOrderingRule is the collation used when an ordering names none.
const DefaultOrderingRule = "caseIgnoreOrderingMatch"

// UpdateStrategy selects how a changed attribute is reconciled.
type UpdateStrategy int

const (
	// UpdateReplace rewrites the whole attribute with the desired values.
	UpdateReplace UpdateStrategy = iota
	// UpdateAddDelete adds and removes only the differing values.
	UpdateAddDelete
)

func (s UpdateStrategy) String() string {
	switch s {
	case UpdateReplace:
		return "replace"
	case UpdateAddDelete:
		return "add_delete"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// ParseUpdateStrategy parses "replace" or "add_delete".
func ParseUpdateStrategy(s string) (UpdateStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "replace":
		return UpdateReplace, nil
	case "add_delete", "add-delete":
		return UpdateAddDelete, nil
	}
	return 0, newQueryError("parse strategy", ErrorCategoryValidation, "unknown update strategy %q", s)
}

// AttributeDescriptor declares one attribute of a model.
type AttributeDescriptor struct {
	Name        string // Field and column name
	Attribute   string // Storage attribute; defaults to Name
	MultiValued bool
	Binary      bool
	PrimaryKey  bool
	ReadOnly    bool   // Never written, e.g. operational attributes
	Password    bool   // Values pass through the writer's PasswordHasher
	Collation   string // Ordering matching rule
	Strategy    UpdateStrategy
	Renderer    OperatorRenderer
	Codec       Codec
}

// StorageName returns the directory attribute name.
func (d *AttributeDescriptor) StorageName() string {
	if d.Attribute != "" {
		return d.Attribute
	}
	return d.Name
}

func (d *AttributeDescriptor) codec() Codec {
	switch {
	case d.Codec != nil:
		return d.Codec
	case d.Binary:
		return BytesCodec{}
	default:
		return StringCodec{}
	}
}

// DecodeValues decodes raw values: a []any for multi-valued attributes,
// otherwise the first value or nil.
func (d *AttributeDescriptor) DecodeValues(raw [][]byte) (any, error) {
	codec := d.codec()
	if d.MultiValued {
		out := make([]any, 0, len(raw))
		for _, r := range raw {
			v, err := codec.Decode(r)
			if err != nil {
				return nil, fmt.Errorf("attribute %s: %w", d.StorageName(), err)
			}
			out = append(out, v)
		}
		return out, nil
	}
	if len(raw) == 0 {
		return nil, nil
	}
	v, err := codec.Decode(raw[0])
	if err != nil {
		return nil, fmt.Errorf("attribute %s: %w", d.StorageName(), err)
	}
	return v, nil
}

// EncodeValues renders a desired value to attribute strings. nil and empty
// slices encode to no values.
func (d *AttributeDescriptor) EncodeValues(value any) ([]string, error) {
	if value == nil {
		return nil, nil
	}
	codec := d.codec()
	items, isList := sliceValues(value)
	if !isList {
		if s, ok := value.(string); ok && s == "" {
			return nil, nil
		}
		items = []any{value}
	} else if !d.MultiValued && len(items) > 1 {
		return nil, newQueryError("encode", ErrorCategoryValidation, "attribute %s is single-valued but got %d values", d.StorageName(), len(items))
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		encoded, err := codec.Encode(item)
		if err != nil {
			return nil, newQueryError("encode", ErrorCategoryValidation, "attribute %s: %v", d.StorageName(), err)
		}
		out = append(out, encoded...)
	}
	return out, nil
}

// canonical maps encoded values to comparison keys.
func (d *AttributeDescriptor) canonical(values []string) []string {
	codec := d.codec()
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = canonicalString(codec, v)
	}
	return out
}

// Model describes a class of directory entries.
type Model struct {
	Name          string
	BaseDN        string
	ObjectClasses []string
	// BaseFilter is AND-ed into every search; defaults to (objectClass=*).
	BaseFilter string
	Scope      SearchScope
	Attributes []*AttributeDescriptor
	// OrderingRule is the collation for implicit primary-key ordering.
	OrderingRule string
}

// Attribute finds a descriptor by field name or storage name, case-insensitively.
func (m *Model) Attribute(name string) *AttributeDescriptor {
	if m == nil {
		return nil
	}
	for _, d := range m.Attributes {
		if strings.EqualFold(d.Name, name) {
			return d
		}
	}
	for _, d := range m.Attributes {
		if strings.EqualFold(d.StorageName(), name) {
			return d
		}
	}
	return nil
}

// PrimaryKey returns the descriptor of the RDN attribute.
func (m *Model) PrimaryKey() *AttributeDescriptor {
	if m == nil {
		return nil
	}
	for _, d := range m.Attributes {
		if d.PrimaryKey {
			return d
		}
	}
	return nil
}

// DefaultCollation returns the ordering rule for implicit ordering.
func (m *Model) DefaultCollation() string {
	if pk := m.PrimaryKey(); pk != nil && pk.Collation != "" {
		return pk.Collation
	}
	if m != nil && m.OrderingRule != "" {
		return m.OrderingRule
	}
	return DefaultOrderingRule
}

// FieldNames lists the declared field names in declaration order.
func (m *Model) FieldNames() []string {
	names := make([]string, 0, len(m.Attributes))
	for _, d := range m.Attributes {
		names = append(names, d.Name)
	}
	return names
}

// Validate checks the model declaration.
func (m *Model) Validate() error {
	if m == nil {
		return newQueryError("validate model", ErrorCategoryValidation, "model is nil")
	}
	if strings.TrimSpace(m.BaseDN) != "" {
		if err := ValidateDNSyntax(m.BaseDN); err != nil {
			return err
		}
	}
	pks := 0
	seen := make(map[string]bool, len(m.Attributes))
	for _, d := range m.Attributes {
		if d.Name == "" {
			return newQueryError("validate model", ErrorCategoryValidation, "attribute without name")
		}
		key := strings.ToLower(d.StorageName())
		if seen[key] {
			return newQueryError("validate model", ErrorCategoryValidation, "attribute %s declared twice", d.StorageName())
		}
		seen[key] = true
		if strings.EqualFold(d.Name, DNColumn) {
			return newQueryError("validate model", ErrorCategoryValidation, "%q is reserved", DNColumn)
		}
		if !attributeDescriptionRegex.MatchString(d.StorageName()) {
			return newQueryError("validate model", ErrorCategoryValidation, "invalid attribute name %q", d.StorageName())
		}
		if d.PrimaryKey {
			pks++
			if d.MultiValued || d.Binary {
				return newQueryError("validate model", ErrorCategoryValidation, "primary key %s must be a single-valued text attribute", d.Name)
			}
		}
		if d.Strategy == UpdateAddDelete && !d.MultiValued {
			return newQueryError("validate model", ErrorCategoryValidation, "add_delete strategy on single-valued attribute %s", d.Name)
		}
	}
	if pks != 1 {
		return newQueryError("validate model", ErrorCategoryValidation, "model %s needs exactly one primary key, has %d", m.Name, pks)
	}
	return nil
}

// DNFromValues builds the DN of the entry described by values from the
// current primary-key value.
func (m *Model) DNFromValues(values map[string]any) (string, error) {
	pk := m.PrimaryKey()
	if pk == nil {
		return "", newQueryError("build dn", ErrorCategoryValidation, "model %s has no primary key", m.Name)
	}
	value, ok := lookupValue(values, pk)
	if !ok || value == nil {
		return "", newQueryError("build dn", ErrorCategoryValidation, "primary key %s is not set", pk.Name)
	}
	return m.DNForPrimaryKey(value)
}

// DNForPrimaryKey builds pk=value,BaseDN.
func (m *Model) DNForPrimaryKey(value any) (string, error) {
	pk := m.PrimaryKey()
	if pk == nil {
		return "", newQueryError("build dn", ErrorCategoryValidation, "model %s has no primary key", m.Name)
	}
	return BuildDN(pk.StorageName(), value, m.BaseDN)
}

// lookupValue finds a desired value by field or storage name.
func lookupValue(values map[string]any, d *AttributeDescriptor) (any, bool) {
	if v, ok := values[d.Name]; ok {
		return v, true
	}
	if v, ok := values[d.StorageName()]; ok {
		return v, true
	}
	for k, v := range values {
		if strings.EqualFold(k, d.Name) || strings.EqualFold(k, d.StorageName()) {
			return v, true
		}
	}
	return nil, false
}
