package ldap

import (
	"testing"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpressions(t *testing.T) {
	scope := map[string]any{
		"name":    "  Jane Doe ",
		"mail":    []any{"jane@example.org", "jd@example.org"},
		"empty":   []any{},
		"missing": nil,
		"count":   int64(42),
		"when":    time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC),
		"active":  true,
		"accent":  "jörg",
		"delta":   int64(-7),
		"ratio":   -2.5,
		"price":   3.14159,
		"numstr":  "-12",
	}

	tests := []struct {
		name string
		expr Expression
		want any
	}{
		{"field", Field("name"), "  Jane Doe "},
		{"field case insensitive", Field("NAME"), "  Jane Doe "},
		{"unknown field", Field("nope"), nil},
		{"value", Value{V: 7}, 7},
		{"lower", Lower(Field("name")), "  jane doe "},
		{"upper", Upper(Field("name")), "  JANE DOE "},
		{"trim", Trim(Field("name")), "Jane Doe"},
		{"ltrim", LTrim(Field("name")), "Jane Doe "},
		{"rtrim", RTrim(Field("name")), "  Jane Doe"},
		{"lower of nil", Lower(Field("missing")), nil},
		{"multi-valued uses first value", Upper(Field("mail")), "JANE@EXAMPLE.ORG"},
		{"length counts runes", Length(Field("accent")), 4},
		{"length of nil", Length(Field("missing")), nil},
		{"concat", Concat(Trim(Field("name")), Value{V: " <"}, Field("mail"), Value{V: ">"}), "Jane Doe <jane@example.org>"},
		{"concat skips nil", Concat(Field("missing"), Value{V: "x"}), "x"},
		{"concat renders integers", Concat(Value{V: "n="}, Field("count")), "n=42"},
		{"concat renders booleans", Concat(Field("active")), "TRUE"},
		{"concat renders time", Concat(Field("when")), "20240506070809Z"},
		{"coalesce skips nil and empty", Coalesce(Field("missing"), Field("empty"), Value{V: "fallback"}), "fallback"},
		{"coalesce first present", Coalesce(Field("name"), Value{V: "fallback"}), "  Jane Doe "},
		{"coalesce all nil", Coalesce(Field("missing")), nil},
		{"replace", Replace(Trim(Field("name")), Value{V: " "}, Value{V: "_"}), "Jane_Doe"},
		{"replace nil", Replace(Field("missing"), Value{V: "a"}, Value{V: "b"}), nil},
		{"repeat", Repeat(Value{V: "ab"}, 3), "ababab"},
		{"repeat zero", Repeat(Value{V: "ab"}, 0), ""},
		{"substr", Substr(Trim(Field("name")), 1, 4), "Jane"},
		{"substr rest", Substr(Trim(Field("name")), 6, 0), "Doe"},
		{"substr past end", Substr(Field("accent"), 3, 10), "rg"},
		{"substr beyond", Substr(Field("accent"), 10, 1), ""},
		{"substr of nil", Substr(Field("missing"), 1, 1), nil},
		{"abs int", Abs(Field("delta")), int64(7)},
		{"abs float", Abs(Field("ratio")), 2.5},
		{"abs numeric string", Abs(Field("numstr")), int64(12)},
		{"abs of nil", Abs(Field("missing")), nil},
		{"round float", Round(Field("price"), 2), 3.14},
		{"round half to even", Round(Value{V: 2.5}, 0), 2.0},
		{"round int unchanged", Round(Field("count"), 2), int64(42)},
		{"round int to hundreds", Round(Value{V: 1250}, -2), int64(1200)},
		{"round float to hundreds", Round(Value{V: 1260.0}, -2), 1300.0},
		{"round of nil", Round(Field("missing"), 1), nil},
		{
			"case first matching branch",
			Case(Value{V: "other"}, When(Compare("count", OpGt, 40), Value{V: "big"}), When(Compare("count", OpGt, 10), Value{V: "medium"})),
			"big",
		},
		{
			"case later branch",
			Case(Value{V: "other"}, When(Eq("active", false), Value{V: "off"}), When(Compare("name", OpIContains, "JANE"), Upper(Trim(Field("name"))))),
			"JANE DOE",
		},
		{"case default", Case(Value{V: "other"}, When(IsNull("name", true), Value{V: "anon"})), "other"},
		{"case without default", Case(nil, When(Eq("count", 1), Value{V: "one"})), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.expr.Evaluate(scope)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExpressions_Errors(t *testing.T) {
	_, err := Repeat(Value{V: "x"}, -1).Evaluate(nil)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = Substr(Value{V: "x"}, 0, 1).Evaluate(nil)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = Concat(Value{V: "a"}, Repeat(Value{V: "x"}, -1)).Evaluate(nil)
	assert.ErrorIs(t, err, ErrValidation, "nested errors propagate")

	_, err = Abs(Value{V: "abc"}).Evaluate(nil)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = Round(Value{V: true}, 1).Evaluate(nil)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = Case(nil, When(Compare("count", OpIn, 5), Value{V: 1})).Evaluate(map[string]any{"count": 5})
	assert.ErrorIs(t, err, ErrUnsupportedPredicate)

	_, err = Case(nil, When(nil, Value{V: 1})).Evaluate(nil)
	assert.ErrorIs(t, err, ErrUnsupportedPredicate)
}

func TestExpressions_Fields(t *testing.T) {
	expr := Concat(Lower(Field("givenName")), Value{V: "."}, Coalesce(Field("sn"), Field("GIVENNAME")), Replace(Field("cn"), Value{V: "a"}, Field("sn")))
	assert.Equal(t, []string{"givenName", "sn", "cn"}, expr.Fields())
	assert.Empty(t, Value{V: 1}.Fields())
	assert.Equal(t, []string{"x"}, Substr(Repeat(Length(Field("x")), 2), 1, 1).Fields())
	assert.Equal(t, []string{"n"}, Round(Abs(Field("n")), 1).Fields())
	assert.Equal(t, []string{"sn", "cn", "fallback"},
		Case(Field("fallback"), When(Eq("sn", "x"), Field("cn")), When(IsNull("SN", true), Field("CN"))).Fields())
}

func TestPredicate_Match(t *testing.T) {
	scope := map[string]any{
		"uid":       "alice",
		"cn":        "Alice Adams",
		"mail":      []any{"alice@example.org", "a@example.org"},
		"uidNumber": int64(1500),
		"active":    true,
		"created":   time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		"empty":     []any{},
		"nothing":   nil,
	}

	tests := []struct {
		name string
		node *Predicate
		want bool
	}{
		{"exact", Eq("uid", "alice"), true},
		{"exact is case sensitive", Eq("uid", "ALICE"), false},
		{"field lookup ignores case", Eq("UID", "alice"), true},
		{"iexact", Compare("uid", OpIExact, "ALICE"), true},
		{"contains", Compare("cn", OpContains, "Adams"), true},
		{"contains is case sensitive", Compare("cn", OpContains, "adams"), false},
		{"icontains", Compare("cn", OpIContains, "adams"), true},
		{"contains on absent attribute", Compare("sn", OpContains, "a"), false},
		{"startswith", Compare("cn", OpStartsWith, "Ali"), true},
		{"istartswith", Compare("cn", OpIStartsWith, "ali"), true},
		{"endswith", Compare("cn", OpEndsWith, "Adams"), true},
		{"iendswith", Compare("cn", OpIEndsWith, "ADAMS"), true},
		{"any value of a multi-valued attribute", Eq("mail", "a@example.org"), true},
		{"gt", Compare("uidNumber", OpGt, 1000), true},
		{"gt excludes equality", Compare("uidNumber", OpGt, 1500), false},
		{"gte", Compare("uidNumber", OpGte, 1500), true},
		{"lt parses numeric operand", Compare("uidNumber", OpLt, "2000"), true},
		{"lte", Compare("uidNumber", OpLte, 1499), false},
		{"gt on time", Compare("created", OpGt, time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC)), true},
		{"boolean exact", Eq("active", true), true},
		{"in", In("uid", "bob", "alice"), true},
		{"in across number types", In("uidNumber", 1500), true},
		{"in without match", In("uid", "bob"), false},
		{"empty in", In("uid"), false},
		{"isnull on absent attribute", IsNull("sn", true), true},
		{"isnull on empty list", IsNull("empty", true), true},
		{"isnull on nil value", IsNull("nothing", true), true},
		{"isnull false on present attribute", IsNull("uid", false), true},
		{"present", Compare("mail", OpPresent, nil), true},
		{"present on absent attribute", Compare("sn", OpPresent, nil), false},
		{"and with grouped negation", And(Eq("uid", "alice"), Not(Eq("cn", "Bob"), Eq("uid", "alice"))), true},
		{"or", Or(Eq("uid", "x"), Compare("uidNumber", OpLt, 0)), false},
		{"not", Not(Eq("uid", "alice")), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.node.Match(scope)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPredicate_Match_Errors(t *testing.T) {
	scope := map[string]any{"uid": "alice"}

	tests := []struct {
		name string
		node *Predicate
	}{
		{"nil operand", Eq("uid", nil)},
		{"list operand on scalar operator", Compare("uid", OpContains, []string{"a"})},
		{"in without a list", Compare("uid", OpIn, "alice")},
		{"isnull without a boolean", Compare("uid", OpIsNull, "yes")},
		{"group without children", And()},
		{"unknown operator", Compare("uid", Operator(99), "x")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.node.Match(scope)
			assert.ErrorIs(t, err, ErrUnsupportedPredicate)
		})
	}
}

// entryScope exposes every attribute of an entry as a multi-valued column.
func entryScope(entry *ldap.Entry) map[string]any {
	scope := make(map[string]any, len(entry.Attributes))
	for _, attr := range entry.Attributes {
		values := make([]any, len(attr.Values))
		for i, v := range attr.Values {
			values[i] = v
		}
		scope[attr.Name] = values
	}
	return scope
}

func TestPredicate_Match_EmptyInMatchesNoEntries(t *testing.T) {
	entries := peopleEntries()
	require.NotEmpty(t, entries)

	filter, err := CompileFilter(In("uid"), nil)
	require.NoError(t, err)
	assert.Equal(t, matchNothingFilter, filter)

	count := func(node *Predicate) int {
		n := 0
		for _, entry := range entries {
			ok, err := node.Match(entryScope(entry))
			require.NoError(t, err)
			if ok {
				n++
			}
		}
		return n
	}

	assert.Zero(t, count(In("uid")))
	assert.Zero(t, count(Compare("uid", OpIn, []string{})))
	assert.Equal(t, 1, count(In("uid", "bob")))
	assert.Equal(t, len(entries), count(Compare("uid", OpPresent, nil)))
}
