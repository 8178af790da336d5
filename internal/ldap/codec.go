package ldap

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/go-objectsid"
	"github.com/google/uuid"
)

// Codec converts between raw attribute bytes and Go values.
type Codec interface {
	// Decode converts one raw attribute value.
	Decode(raw []byte) (any, error)
	// Encode renders one Go value to its attribute string forms.
	Encode(value any) ([]string, error)
}

// Canonicalizer is implemented by codecs whose values need normalizing
// before two encoded values can be compared.
type Canonicalizer interface {
	Canonical(value string) string
}

// StringCodec treats values as UTF-8 text.
type StringCodec struct{}

func (StringCodec) Decode(raw []byte) (any, error) {
	return string(raw), nil
}

func (StringCodec) Encode(value any) ([]string, error) {
	switch v := value.(type) {
	case string:
		return []string{v}, nil
	case []byte:
		return []string{string(v)}, nil
	case bool:
		return BooleanCodec{}.Encode(v)
	case time.Time:
		return GeneralizedTimeCodec{}.Encode(v)
	case fmt.Stringer:
		return []string{v.String()}, nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return []string{fmt.Sprint(v)}, nil
	}
	return nil, fmt.Errorf("cannot encode %T as string", value)
}

// BytesCodec keeps values as raw bytes.
type BytesCodec struct{}

func (BytesCodec) Decode(raw []byte) (any, error) {
	out := make([]byte, len(raw))
	copy(out, raw)
	return out, nil
}

func (BytesCodec) Encode(value any) ([]string, error) {
	switch v := value.(type) {
	case []byte:
		return []string{string(v)}, nil
	case string:
		return []string{v}, nil
	}
	return nil, fmt.Errorf("cannot encode %T as bytes", value)
}

// IntegerCodec decodes decimal integers.
type IntegerCodec struct{}

func (IntegerCodec) Decode(raw []byte) (any, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid integer %q: %w", raw, err)
	}
	return n, nil
}

func (IntegerCodec) Encode(value any) ([]string, error) {
	switch v := value.(type) {
	case int:
		return []string{strconv.FormatInt(int64(v), 10)}, nil
	case int8:
		return []string{strconv.FormatInt(int64(v), 10)}, nil
	case int16:
		return []string{strconv.FormatInt(int64(v), 10)}, nil
	case int32:
		return []string{strconv.FormatInt(int64(v), 10)}, nil
	case int64:
		return []string{strconv.FormatInt(v, 10)}, nil
	case uint:
		return []string{strconv.FormatUint(uint64(v), 10)}, nil
	case uint8:
		return []string{strconv.FormatUint(uint64(v), 10)}, nil
	case uint16:
		return []string{strconv.FormatUint(uint64(v), 10)}, nil
	case uint32:
		return []string{strconv.FormatUint(uint64(v), 10)}, nil
	case uint64:
		return []string{strconv.FormatUint(v, 10)}, nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q: %w", v, err)
		}
		return []string{strconv.FormatInt(n, 10)}, nil
	}
	return nil, fmt.Errorf("cannot encode %T as integer", value)
}

func (IntegerCodec) Canonical(value string) string {
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return value
	}
	return strconv.FormatInt(n, 10)
}

// BooleanCodec stores booleans as TRUE and FALSE.
type BooleanCodec struct{}

func (BooleanCodec) Decode(raw []byte) (any, error) {
	switch strings.ToUpper(strings.TrimSpace(string(raw))) {
	case "TRUE":
		return true, nil
	case "FALSE":
		return false, nil
	}
	return nil, fmt.Errorf("invalid boolean %q", raw)
}

func (BooleanCodec) Encode(value any) ([]string, error) {
	switch v := value.(type) {
	case bool:
		if v {
			return []string{"TRUE"}, nil
		}
		return []string{"FALSE"}, nil
	case string:
		b, err := strconv.ParseBool(strings.ToLower(strings.TrimSpace(v)))
		if err != nil {
			return nil, fmt.Errorf("invalid boolean %q", v)
		}
		return BooleanCodec{}.Encode(b)
	}
	return nil, fmt.Errorf("cannot encode %T as boolean", value)
}

func (BooleanCodec) Canonical(value string) string {
	return strings.ToUpper(strings.TrimSpace(value))
}

// GeneralizedTimeCodec handles RFC 4517 GeneralizedTime values.
type GeneralizedTimeCodec struct {
	// IncludeTZ keeps the value's zone offset instead of normalizing to UTC.
	IncludeTZ bool
}

const (
	generalizedTimeUTC    = "20060102150405Z"
	generalizedTimeOffset = "20060102150405-0700"
)

var generalizedTimeLayouts = []string{
	"20060102150405Z0700",
	"20060102150405.999999999Z0700",
	"200601021504Z0700",
	"2006010215Z0700",
}

// ParseGeneralizedTime parses YYYYMMDDHH[MM[SS[.f]]] followed by Z or an offset.
func ParseGeneralizedTime(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	normalized := strings.Replace(value, ",", ".", 1)
	for _, layout := range generalizedTimeLayouts {
		if t, err := time.Parse(layout, normalized); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid generalized time %q", value)
}

// Decode parses YYYYMMDDHHMMSS with optional fraction and a Z or ±hhmm zone.
func (c GeneralizedTimeCodec) Decode(raw []byte) (any, error) {
	t, err := ParseGeneralizedTime(string(raw))
	if err != nil {
		return nil, err
	}
	if !c.IncludeTZ {
		t = t.UTC()
	}
	return t, nil
}

// Encode formats a time.Time in UTC, or with its offset when IncludeTZ is set.
func (c GeneralizedTimeCodec) Encode(value any) ([]string, error) {
	switch v := value.(type) {
	case time.Time:
		if c.IncludeTZ {
			return []string{v.Format(generalizedTimeOffset)}, nil
		}
		return []string{v.UTC().Format(generalizedTimeUTC)}, nil
	case string:
		t, err := ParseGeneralizedTime(v)
		if err != nil {
			return nil, err
		}
		return c.Encode(t)
	}
	return nil, fmt.Errorf("cannot encode %T as generalized time", value)
}

func (GeneralizedTimeCodec) Canonical(value string) string {
	t, err := ParseGeneralizedTime(value)
	if err != nil {
		return value
	}
	return t.UTC().Format(generalizedTimeUTC)
}

// SIDCodec decodes binary Windows security identifiers to S-1-... strings.
type SIDCodec struct{}

// Decode renders a binary SID in S-1-... form.
func (SIDCodec) Decode(raw []byte) (any, error) {
	if len(raw) < 8 {
		return nil, fmt.Errorf("binary SID too short: %d bytes", len(raw))
	}
	return objectsid.Decode(raw).String(), nil
}

// Encode accepts raw SID bytes only; textual SIDs cannot be written back.
func (SIDCodec) Encode(value any) ([]string, error) {
	if raw, ok := value.([]byte); ok {
		return []string{string(raw)}, nil
	}
	return nil, fmt.Errorf("cannot encode %T as binary SID", value)
}

// GUIDCodec decodes 16-byte GUIDs. MixedEndian selects the Active Directory
// objectGUID layout instead of RFC 4122 byte order.
type GUIDCodec struct {
	MixedEndian bool
}

// GUIDBytesLength is the size of a binary GUID.
const GUIDBytesLength = 16

// Decode renders a 16-byte GUID, or a textual entryUUID, as its string form.
func (c GUIDCodec) Decode(raw []byte) (any, error) {
	if len(raw) != GUIDBytesLength {
		// entryUUID is stored as text on most servers.
		if id, err := uuid.ParseBytes(raw); err == nil {
			return id.String(), nil
		}
		return nil, fmt.Errorf("invalid GUID byte length: expected %d, got %d", GUIDBytesLength, len(raw))
	}
	b := make([]byte, GUIDBytesLength)
	copy(b, raw)
	if c.MixedEndian {
		swapGUIDEndianness(b)
	}
	id, err := uuid.FromBytes(b)
	if err != nil {
		return nil, err
	}
	return id.String(), nil
}

func (c GUIDCodec) Encode(value any) ([]string, error) {
	var id uuid.UUID
	switch v := value.(type) {
	case uuid.UUID:
		id = v
	case string:
		parsed, err := uuid.Parse(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("invalid GUID %q: %w", v, err)
		}
		id = parsed
	case []byte:
		return []string{string(v)}, nil
	default:
		return nil, fmt.Errorf("cannot encode %T as GUID", value)
	}
	b := id[:]
	if c.MixedEndian {
		b = make([]byte, GUIDBytesLength)
		copy(b, id[:])
		swapGUIDEndianness(b)
	}
	return []string{string(b)}, nil
}

// GUIDSearchValue renders a GUID as an escaped binary filter operand.
func (c GUIDCodec) GUIDSearchValue(guid string) (string, error) {
	encoded, err := c.Encode(guid)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, x := range []byte(encoded[0]) {
		b.WriteString(`\`)
		b.WriteString(hex.EncodeToString([]byte{x}))
	}
	return b.String(), nil
}

// swapGUIDEndianness converts between RFC 4122 order and the little-endian
// first three groups used by Active Directory. The operation is its own inverse.
func swapGUIDEndianness(b []byte) {
	b[0], b[1], b[2], b[3] = b[3], b[2], b[1], b[0]
	b[4], b[5] = b[5], b[4]
	b[6], b[7] = b[7], b[6]
}

// DNCodec treats values as distinguished names.
type DNCodec struct{}

// Decode returns the DN unchanged; comparisons go through Canonical.
func (DNCodec) Decode(raw []byte) (any, error) {
	return string(raw), nil
}

func (DNCodec) Encode(value any) ([]string, error) {
	s, ok := value.(string)
	if !ok {
		return nil, fmt.Errorf("cannot encode %T as DN", value)
	}
	if err := ValidateDNSyntax(s); err != nil {
		return nil, err
	}
	return []string{s}, nil
}

// Canonical compares DNs case-insensitively and ignoring insignificant spaces.
func (DNCodec) Canonical(value string) string {
	key, err := NormalizeDNKey(value)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(value))
	}
	return key
}

// canonicalString returns the comparison key for one encoded value.
func canonicalString(codec Codec, value string) string {
	if c, ok := codec.(Canonicalizer); ok {
		return c.Canonical(value)
	}
	return value
}
