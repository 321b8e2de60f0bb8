package schema

import (
	"strconv"
	"strings"
)

// TypeDescriptor is a parsed column type. Length and Scale are nil when the
// declaration gives no width; a nil width is never rendered.
type TypeDescriptor struct {
	// Kind is the upper case base type, e.g. "SMALLINT" or "VARCHAR".
	Kind     string
	Length   *int
	Scale    *int
	Unsigned bool
	Zerofill bool
	// Values holds ENUM and SET members.
	Values []string
}

var typeAliases = map[string]string{
	"INTEGER":   "INT",
	"INT1":      "TINYINT",
	"INT2":      "SMALLINT",
	"INT3":      "MEDIUMINT",
	"INT4":      "INT",
	"INT8":      "BIGINT",
	"MIDDLEINT": "MEDIUMINT",
	"DEC":       "DECIMAL",
	"NUMERIC":   "DECIMAL",
	"FIXED":     "DECIMAL",
	"REAL":      "DOUBLE",
	"FLOAT8":    "DOUBLE",
	"FLOAT4":    "FLOAT",
	"CHARACTER": "CHAR",
}

var integerKinds = map[string]bool{
	"TINYINT": true, "SMALLINT": true, "MEDIUMINT": true, "INT": true, "BIGINT": true,
}

var knownKinds = map[string]bool{
	"TINYINT": true, "SMALLINT": true, "MEDIUMINT": true, "INT": true, "BIGINT": true,
	"DECIMAL": true, "FLOAT": true, "DOUBLE": true, "BIT": true, "BOOL": true, "BOOLEAN": true,
	"CHAR": true, "VARCHAR": true, "BINARY": true, "VARBINARY": true,
	"TINYTEXT": true, "TEXT": true, "MEDIUMTEXT": true, "LONGTEXT": true,
	"TINYBLOB": true, "BLOB": true, "MEDIUMBLOB": true, "LONGBLOB": true,
	"DATE": true, "TIME": true, "DATETIME": true, "TIMESTAMP": true, "YEAR": true,
	"ENUM": true, "SET": true, "JSON": true,
	"GEOMETRY": true, "POINT": true, "LINESTRING": true, "POLYGON": true,
	"MULTIPOINT": true, "MULTILINESTRING": true, "MULTIPOLYGON": true, "GEOMETRYCOLLECTION": true,
	"SERIAL": true,
}

// normalizeKind maps aliases onto canonical kinds. BOOL and BOOLEAN become
// TINYINT(1) and SERIAL becomes BIGINT UNSIGNED, as the server stores them.
func normalizeKind(t *TypeDescriptor) {
	t.Kind = strings.ToUpper(t.Kind)
	if alias, ok := typeAliases[t.Kind]; ok {
		t.Kind = alias
	}
	switch t.Kind {
	case "BOOL", "BOOLEAN":
		one := 1
		t.Kind = "TINYINT"
		t.Length = &one
	case "SERIAL":
		t.Kind = "BIGINT"
		t.Unsigned = true
	}
	if t.Zerofill && integerKinds[t.Kind] {
		t.Unsigned = true
	}
}

// String renders the canonical form: SMALLINT UNSIGNED, TINYINT(1),
// DECIMAL(10,2), ENUM('a','b').
func (t TypeDescriptor) String() string {
	var b strings.Builder
	b.WriteString(t.Kind)
	switch {
	case len(t.Values) > 0:
		b.WriteByte('(')
		for i, v := range t.Values {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(quoteString(v))
		}
		b.WriteByte(')')
	case t.Length != nil:
		b.WriteByte('(')
		b.WriteString(strconv.Itoa(*t.Length))
		if t.Scale != nil {
			b.WriteByte(',')
			b.WriteString(strconv.Itoa(*t.Scale))
		}
		b.WriteByte(')')
	}
	if t.Unsigned {
		b.WriteString(" UNSIGNED")
	}
	if t.Zerofill {
		b.WriteString(" ZEROFILL")
	}
	return b.String()
}

// Equal compares two types. Integer display widths are ignored except for
// TINYINT(1), which clients read as a boolean.
func (t TypeDescriptor) Equal(o TypeDescriptor) bool {
	if t.Kind != o.Kind || t.Unsigned != o.Unsigned || t.Zerofill != o.Zerofill {
		return false
	}
	if len(t.Values) != len(o.Values) {
		return false
	}
	for i := range t.Values {
		if t.Values[i] != o.Values[i] {
			return false
		}
	}
	if integerKinds[t.Kind] && !t.Zerofill {
		return t.isBoolean() == o.isBoolean()
	}
	return optionalEqual(t.Length, o.Length) && optionalEqual(t.Scale, o.Scale)
}

func (t TypeDescriptor) isBoolean() bool {
	return t.Kind == "TINYINT" && t.Length != nil && *t.Length == 1
}
