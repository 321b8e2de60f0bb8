package schema

import (
	"fmt"
	"strings"
)

// Schema is the table structure described by a DDL script.
//
// Table names are keyed case-insensitively, as on a server running with
// lower_case_table_names set to 1 or 2. Two tables whose names differ only
// in case are reported as a duplicate, and renaming a table by case alone
// produces no diff.
type Schema struct {
	tables map[string]*Table
	order  []string
}

func newSchema() *Schema {
	return &Schema{tables: make(map[string]*Table)}
}

// Table returns the named table. Names compare case-insensitively.
func (s *Schema) Table(name string) (*Table, bool) {
	t, ok := s.tables[strings.ToLower(name)]
	return t, ok
}

// Tables returns the tables in declaration order.
func (s *Schema) Tables() []*Table {
	out := make([]*Table, 0, len(s.order))
	for _, k := range s.order {
		out = append(out, s.tables[k])
	}
	return out
}

// Len returns the number of tables.
func (s *Schema) Len() int { return len(s.order) }

func (s *Schema) add(t *Table) bool {
	key := strings.ToLower(t.Name)
	if _, dup := s.tables[key]; dup {
		return false
	}
	s.tables[key] = t
	s.order = append(s.order, key)
	return true
}

// Table is one CREATE TABLE definition.
type Table struct {
	Name        string
	Columns     []*Column
	PrimaryKey  []IndexPart
	Indexes     []*Index
	ForeignKeys []*ForeignKey
	Options     TableOptions
}

// Column returns the named column.
func (t *Table) Column(name string) (*Column, bool) {
	for _, c := range t.Columns {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return nil, false
}

// Index returns the named secondary index.
func (t *Table) Index(name string) (*Index, bool) {
	for _, ix := range t.Indexes {
		if strings.EqualFold(ix.Name, name) {
			return ix, true
		}
	}
	return nil, false
}

// TableOptions are the options following the column list.
type TableOptions struct {
	Engine  string
	Charset string
	Collate string
	Comment *string
}

// DefaultKind tells how a column default is spelled.
type DefaultKind int

const (
	DefaultString DefaultKind = iota + 1
	DefaultNumber
	DefaultNull
	// DefaultExpr covers CURRENT_TIMESTAMP, bit and hex literals and
	// parenthesized expressions, rendered verbatim.
	DefaultExpr
)

// Default is a column default value.
type Default struct {
	Kind DefaultKind
	Text string
}

func (d Default) render() string {
	switch d.Kind {
	case DefaultString:
		return quoteString(d.Text)
	case DefaultNull:
		return "NULL"
	}
	return d.Text
}

// equal compares defaults the way the server stores them: '0' and 0 are the
// same default.
func (d Default) equal(o Default) bool {
	if d.Kind == o.Kind {
		if d.Kind == DefaultExpr {
			return strings.EqualFold(d.Text, o.Text)
		}
		return d.Text == o.Text
	}
	literal := func(x Default) (string, bool) {
		return x.Text, x.Kind == DefaultString || x.Kind == DefaultNumber
	}
	a, okA := literal(d)
	b, okB := literal(o)
	return okA && okB && a == b
}

// Column is a column definition. Position is the zero based ordinal in the
// table.
type Column struct {
	Name          string
	Type          TypeDescriptor
	Nullable      bool
	Default       *Default
	AutoIncrement bool
	OnUpdate      string
	Comment       *string
	Charset       string
	Collate       string
	// Generated is the parenthesized expression of a generated column.
	Generated string
	Stored    bool
	Position  int
}

// Definition renders the column as used in CREATE TABLE, ADD COLUMN and
// MODIFY COLUMN.
func (c *Column) Definition() string {
	var b strings.Builder
	b.WriteString(quoteIdent(c.Name))
	b.WriteByte(' ')
	b.WriteString(c.Type.String())
	if c.Charset != "" {
		b.WriteString(" CHARACTER SET ")
		b.WriteString(c.Charset)
	}
	if c.Collate != "" {
		b.WriteString(" COLLATE ")
		b.WriteString(c.Collate)
	}
	if c.Generated != "" {
		b.WriteString(" GENERATED ALWAYS AS ")
		b.WriteString(c.Generated)
		if c.Stored {
			b.WriteString(" STORED")
		} else {
			b.WriteString(" VIRTUAL")
		}
	}
	if c.Nullable {
		b.WriteString(" NULL")
	} else {
		b.WriteString(" NOT NULL")
	}
	if c.Default != nil {
		b.WriteString(" DEFAULT ")
		b.WriteString(c.Default.render())
	}
	if c.OnUpdate != "" {
		b.WriteString(" ON UPDATE ")
		b.WriteString(c.OnUpdate)
	}
	if c.AutoIncrement {
		b.WriteString(" AUTO_INCREMENT")
	}
	if c.Comment != nil {
		b.WriteString(" COMMENT ")
		b.WriteString(quoteString(*c.Comment))
	}
	return b.String()
}

// sameDefinition reports whether two columns need no MODIFY COLUMN.
func (c *Column) sameDefinition(o *Column) bool {
	if !c.Type.Equal(o.Type) || c.Nullable != o.Nullable || c.AutoIncrement != o.AutoIncrement {
		return false
	}
	if (c.Default == nil) != (o.Default == nil) {
		// An explicit DEFAULT NULL on a nullable column is the implicit default.
		d := c.Default
		if d == nil {
			d = o.Default
		}
		if !(d.Kind == DefaultNull && c.Nullable) {
			return false
		}
	} else if c.Default != nil && !c.Default.equal(*o.Default) {
		return false
	}
	if c.Generated != o.Generated || c.Stored != o.Stored {
		return false
	}
	if !strings.EqualFold(c.OnUpdate, o.OnUpdate) {
		return false
	}
	if !optionalEqual(c.Comment, o.Comment) {
		return false
	}
	return strings.EqualFold(c.Charset, o.Charset) && strings.EqualFold(c.Collate, o.Collate)
}

// IndexPart is one column of an index key.
type IndexPart struct {
	Column string
	Length *int
	Desc   bool
}

func (p IndexPart) String() string {
	s := quoteIdent(p.Column)
	if p.Length != nil {
		s += fmt.Sprintf("(%d)", *p.Length)
	}
	if p.Desc {
		s += " DESC"
	}
	return s
}

func renderParts(parts []IndexPart) string {
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = p.String()
	}
	return "(" + strings.Join(out, ",") + ")"
}

func sameParts(a, b []IndexPart) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !strings.EqualFold(a[i].Column, b[i].Column) || a[i].Desc != b[i].Desc || !optionalEqual(a[i].Length, b[i].Length) {
			return false
		}
	}
	return true
}

// IndexKind distinguishes plain, unique and full text indexes.
type IndexKind int

const (
	IndexPlain IndexKind = iota
	IndexUnique
	IndexFulltext
	IndexSpatial
)

// Index is a named secondary index.
type Index struct {
	Name  string
	Kind  IndexKind
	Parts []IndexPart
}

func (ix *Index) keyword() string {
	switch ix.Kind {
	case IndexUnique:
		return "UNIQUE KEY"
	case IndexFulltext:
		return "FULLTEXT KEY"
	case IndexSpatial:
		return "SPATIAL KEY"
	}
	return "KEY"
}

func (ix *Index) addKeyword() string {
	switch ix.Kind {
	case IndexUnique:
		return "ADD UNIQUE INDEX"
	case IndexFulltext:
		return "ADD FULLTEXT INDEX"
	case IndexSpatial:
		return "ADD SPATIAL INDEX"
	}
	return "ADD INDEX"
}

func (ix *Index) same(o *Index) bool {
	return ix.Kind == o.Kind && sameParts(ix.Parts, o.Parts)
}

// ForeignKey is kept opaque: its definition is compared and re-emitted as
// written, normalized for whitespace.
type ForeignKey struct {
	Name       string
	Definition string
}

func optionalEqual[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func quoteIdent(s string) string {
	return "`" + strings.ReplaceAll(s, "`", "``") + "`"
}

func quoteString(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `''`, "\n", `\n`, "\r", `\r`, "\t", `\t`, "\x00", `\0`)
	return "'" + r.Replace(s) + "'"
}
