package schema

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseError reports a malformed CREATE TABLE or CREATE INDEX statement.
type ParseError struct {
	// Statement is the offending statement text, if known
	Statement string
	Line      int
	Msg       string
}

func (e *ParseError) Error() string {
	var b strings.Builder
	b.WriteString("schema parse error")
	if e.Line > 0 {
		fmt.Fprintf(&b, " at line %d", e.Line)
	}
	b.WriteString(": ")
	b.WriteString(e.Msg)
	if e.Statement != "" {
		stmt := e.Statement
		if len(stmt) > 200 {
			stmt = stmt[:200] + "..."
		}
		b.WriteString(": ")
		b.WriteString(stmt)
	}
	return b.String()
}

// Parse reads the CREATE TABLE and CREATE INDEX statements of a MySQL DDL
// script. Every other statement is skipped.
func Parse(sql string) (*Schema, error) {
	stmts, err := splitStatements(sql)
	if err != nil {
		return nil, err
	}
	s := newSchema()
	for _, st := range stmts {
		p := &parser{toks: st.toks, stmt: st}
		if err := p.statement(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

type parser struct {
	toks []token
	pos  int
	stmt statement
}

func (p *parser) errorf(format string, args ...any) error {
	line := p.stmt.line
	if p.pos < len(p.toks) {
		offset := min(p.toks[p.pos].pos-p.toks[0].pos, len(p.stmt.text))
		line += strings.Count(p.stmt.text[:offset], "\n")
	}
	return &ParseError{Statement: p.stmt.text, Line: line, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) peek() (token, bool) {
	if p.pos < len(p.toks) {
		return p.toks[p.pos], true
	}
	return token{}, false
}

func (p *parser) peekIs(word string) bool {
	t, ok := p.peek()
	return ok && t.is(word)
}

func (p *parser) peekPunct(s string) bool {
	t, ok := p.peek()
	return ok && t.punct(s)
}

func (p *parser) accept(word string) bool {
	if p.peekIs(word) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) acceptPunct(s string) bool {
	if p.peekPunct(s) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expect(word string) error {
	if !p.accept(word) {
		return p.errorf("expected %s, found %s", word, p.describe())
	}
	return nil
}

func (p *parser) expectPunct(s string) error {
	if !p.acceptPunct(s) {
		return p.errorf("expected %q, found %s", s, p.describe())
	}
	return nil
}

func (p *parser) describe() string {
	t, ok := p.peek()
	if !ok {
		return "end of statement"
	}
	return fmt.Sprintf("%q", t.text)
}

// ident reads an identifier, bare or quoted.
func (p *parser) ident() (string, error) {
	t, ok := p.peek()
	if !ok || (t.kind != tokWord && t.kind != tokIdent) {
		return "", p.errorf("expected identifier, found %s", p.describe())
	}
	p.pos++
	return t.text, nil
}

// qualifiedName reads name or schema.name and returns the last part.
func (p *parser) qualifiedName() (string, error) {
	name, err := p.ident()
	if err != nil {
		return "", err
	}
	for p.acceptPunct(".") {
		if name, err = p.ident(); err != nil {
			return "", err
		}
	}
	return name, nil
}

func (p *parser) integer() (int, error) {
	t, ok := p.peek()
	if !ok || t.kind != tokNumber {
		return 0, p.errorf("expected number, found %s", p.describe())
	}
	n, err := strconv.Atoi(t.text)
	if err != nil || n < 0 {
		return 0, p.errorf("invalid width %q", t.text)
	}
	p.pos++
	return n, nil
}

// skipBalanced skips a parenthesized group starting at the current "(".
func (p *parser) skipBalanced() (string, error) {
	if !p.peekPunct("(") {
		return "", p.errorf("expected \"(\", found %s", p.describe())
	}
	start := p.pos
	depth := 0
	for p.pos < len(p.toks) {
		t := p.toks[p.pos]
		p.pos++
		if t.punct("(") {
			depth++
		} else if t.punct(")") {
			depth--
			if depth == 0 {
				return p.render(start, p.pos, false), nil
			}
		}
	}
	return "", p.errorf("unbalanced parentheses")
}

// render rebuilds normalized source text for toks[from:to]. With
// quoteWords set, bare words other than keywords are rendered as quoted
// identifiers so that `users` and users compare equal.
func (p *parser) render(from, to int, quoteWords bool) string {
	var b strings.Builder
	for i := from; i < to; i++ {
		t := p.toks[i]
		if i > from && needsSpace(p.toks[i-1], t) {
			b.WriteByte(' ')
		}
		switch t.kind {
		case tokIdent:
			b.WriteString(quoteIdent(t.text))
		case tokString:
			b.WriteString(quoteString(t.text))
		case tokWord:
			switch {
			case isKeyword(t.text):
				b.WriteString(strings.ToUpper(t.text))
			case quoteWords:
				b.WriteString(quoteIdent(t.text))
			default:
				b.WriteString(t.text)
			}
		default:
			b.WriteString(t.text)
		}
	}
	return b.String()
}

func needsSpace(prev, cur token) bool {
	if cur.punct(")") || cur.punct(",") || cur.punct(".") || prev.punct(".") || prev.punct("(") {
		return false
	}
	if cur.punct("(") {
		return prev.kind != tokWord && prev.kind != tokIdent
	}
	return true
}

var keywords = map[string]bool{
	"CONSTRAINT": true, "FOREIGN": true, "KEY": true, "REFERENCES": true, "ON": true,
	"DELETE": true, "UPDATE": true, "CASCADE": true, "RESTRICT": true, "SET": true,
	"NULL": true, "NO": true, "ACTION": true, "DEFAULT": true, "MATCH": true,
	"FULL": true, "PARTIAL": true, "SIMPLE": true, "CURRENT_TIMESTAMP": true, "NOW": true,
}

func isKeyword(s string) bool { return keywords[strings.ToUpper(s)] }

func (p *parser) statement(s *Schema) error {
	if !p.accept("CREATE") {
		return nil
	}
	p.accept("OR") // CREATE OR REPLACE VIEW and similar
	p.accept("REPLACE")
	switch {
	case p.peekIs("TABLE"):
		p.pos++
		return p.createTable(s)
	case p.peekIs("TEMPORARY"):
		return nil
	case p.peekIs("UNIQUE"), p.peekIs("FULLTEXT"), p.peekIs("SPATIAL"), p.peekIs("INDEX"):
		return p.createIndex(s)
	}
	return nil
}

// createIndex handles CREATE [UNIQUE|FULLTEXT|SPATIAL] INDEX name ON t (...)
// against a table declared earlier in the script.
func (p *parser) createIndex(s *Schema) error {
	kind := IndexPlain
	switch {
	case p.accept("UNIQUE"):
		kind = IndexUnique
	case p.accept("FULLTEXT"):
		kind = IndexFulltext
	case p.accept("SPATIAL"):
		kind = IndexSpatial
	}
	if err := p.expect("INDEX"); err != nil {
		return err
	}
	name, err := p.ident()
	if err != nil {
		return err
	}
	p.indexType()
	if err := p.expect("ON"); err != nil {
		return err
	}
	tableName, err := p.qualifiedName()
	if err != nil {
		return err
	}
	t, ok := s.Table(tableName)
	if !ok {
		return p.errorf("index %s references unknown table %s", name, tableName)
	}
	parts, err := p.indexParts()
	if err != nil {
		return err
	}
	if _, dup := t.Index(name); dup {
		return p.errorf("duplicate index %s in table %s", name, t.Name)
	}
	for _, part := range parts {
		if _, ok := t.Column(part.Column); !ok {
			return p.errorf("index %s of %s references unknown column %s", name, t.Name, part.Column)
		}
	}
	t.Indexes = append(t.Indexes, &Index{Name: name, Kind: kind, Parts: parts})
	return nil
}

func (p *parser) createTable(s *Schema) error {
	if p.accept("IF") {
		if err := p.expect("NOT"); err != nil {
			return err
		}
		if err := p.expect("EXISTS"); err != nil {
			return err
		}
	}
	name, err := p.qualifiedName()
	if err != nil {
		return err
	}
	if p.peekIs("LIKE") || p.peekIs("AS") || p.peekIs("SELECT") {
		return p.errorf("CREATE TABLE %s without a column list is not supported", name)
	}
	if err := p.expectPunct("("); err != nil {
		return err
	}

	t := &Table{Name: name}
	for {
		if err := p.tableElement(t); err != nil {
			return err
		}
		if p.acceptPunct(",") {
			continue
		}
		if err := p.expectPunct(")"); err != nil {
			return err
		}
		break
	}
	if err := p.tableOptions(t); err != nil {
		return err
	}
	if len(t.Columns) == 0 {
		return p.errorf("table %s has no columns", name)
	}
	if err := p.finishTable(t); err != nil {
		return err
	}
	if !s.add(t) {
		return p.errorf("table %s is defined twice", name)
	}
	return nil
}

// finishTable validates references and applies implicit rules.
func (p *parser) finishTable(t *Table) error {
	seen := map[string]bool{}
	for i, c := range t.Columns {
		key := strings.ToLower(c.Name)
		if seen[key] {
			return p.errorf("duplicate column %s in table %s", c.Name, t.Name)
		}
		seen[key] = true
		c.Position = i
	}
	for _, part := range t.PrimaryKey {
		c, ok := t.Column(part.Column)
		if !ok {
			return p.errorf("primary key of %s references unknown column %s", t.Name, part.Column)
		}
		c.Nullable = false
	}
	names := map[string]bool{}
	for _, ix := range t.Indexes {
		if len(ix.Parts) == 0 {
			return p.errorf("index %s of %s has no columns", ix.Name, t.Name)
		}
		for _, part := range ix.Parts {
			if _, ok := t.Column(part.Column); !ok {
				return p.errorf("index %s of %s references unknown column %s", ix.Name, t.Name, part.Column)
			}
		}
		key := strings.ToLower(ix.Name)
		if names[key] {
			return p.errorf("duplicate index %s in table %s", ix.Name, t.Name)
		}
		names[key] = true
	}
	return nil
}

func (p *parser) tableElement(t *Table) error {
	switch {
	case p.peekIs("PRIMARY"):
		p.pos++
		return p.primaryKey(t)
	case p.peekIs("UNIQUE"):
		p.pos++
		return p.index(t, IndexUnique, "")
	case p.peekIs("FULLTEXT"):
		p.pos++
		return p.index(t, IndexFulltext, "")
	case p.peekIs("SPATIAL"):
		p.pos++
		return p.index(t, IndexSpatial, "")
	case p.peekIs("KEY"), p.peekIs("INDEX"):
		return p.index(t, IndexPlain, "")
	case p.peekIs("CONSTRAINT"):
		return p.constraint(t)
	case p.peekIs("FOREIGN"):
		return p.foreignKey(t, "", p.pos)
	case p.peekIs("CHECK"):
		p.pos++
		_, err := p.skipBalanced()
		return err
	}
	return p.column(t)
}

func (p *parser) primaryKey(t *Table) error {
	if err := p.expect("KEY"); err != nil {
		return err
	}
	if len(t.PrimaryKey) > 0 {
		return p.errorf("table %s has more than one primary key", t.Name)
	}
	p.indexType()
	parts, err := p.indexParts()
	if err != nil {
		return err
	}
	t.PrimaryKey = parts
	return p.indexOptions()
}

// index parses [KEY|INDEX] [name] [USING x] (parts) [options]. The kind
// keyword has already been consumed.
func (p *parser) index(t *Table, kind IndexKind, name string) error {
	if !p.accept("KEY") {
		p.accept("INDEX")
	}
	if !p.peekPunct("(") && !p.peekIs("USING") {
		n, err := p.ident()
		if err != nil {
			return err
		}
		name = n
	}
	p.indexType()
	parts, err := p.indexParts()
	if err != nil {
		return err
	}
	if name == "" {
		name = implicitIndexName(t, parts[0].Column)
	}
	t.Indexes = append(t.Indexes, &Index{Name: name, Kind: kind, Parts: parts})
	return p.indexOptions()
}

// implicitIndexName names an unnamed index after its first column, adding
// _2, _3... on collision as the server does.
func implicitIndexName(t *Table, column string) string {
	name := column
	for n := 2; ; n++ {
		if _, taken := t.Index(name); !taken {
			return name
		}
		name = fmt.Sprintf("%s_%d", column, n)
	}
}

func (p *parser) indexType() {
	if p.accept("USING") {
		p.pos++ // BTREE or HASH
	}
}

func (p *parser) indexParts() ([]IndexPart, error) {
	if err := p.expectPunct("("); err != nil {
		return nil, err
	}
	var parts []IndexPart
	for {
		if p.peekPunct("(") {
			return nil, p.errorf("functional index parts are not supported")
		}
		col, err := p.ident()
		if err != nil {
			return nil, err
		}
		part := IndexPart{Column: col}
		if p.acceptPunct("(") {
			n, err := p.integer()
			if err != nil {
				return nil, err
			}
			part.Length = &n
			if err := p.expectPunct(")"); err != nil {
				return nil, err
			}
		}
		if p.accept("DESC") {
			part.Desc = true
		} else {
			p.accept("ASC")
		}
		parts = append(parts, part)
		if p.acceptPunct(",") {
			continue
		}
		if err := p.expectPunct(")"); err != nil {
			return nil, err
		}
		return parts, nil
	}
}

// indexOptions skips trailing index options up to the next element.
func (p *parser) indexOptions() error {
	for {
		t, ok := p.peek()
		if !ok || t.punct(",") || t.punct(")") {
			return nil
		}
		switch {
		case t.is("USING"):
			p.pos += 2
		case t.is("COMMENT"):
			p.pos++
			if tok, ok := p.peek(); !ok || tok.kind != tokString {
				return p.errorf("expected index comment string")
			}
			p.pos++
		case t.is("KEY_BLOCK_SIZE"):
			p.pos++
			p.acceptPunct("=")
			p.pos++
		case t.is("VISIBLE"), t.is("INVISIBLE"):
			p.pos++
		case t.is("WITH"):
			p.pos += 3 // WITH PARSER name
		default:
			return p.errorf("unexpected %s after index definition", p.describe())
		}
	}
}

func (p *parser) constraint(t *Table) error {
	start := p.pos
	p.pos++ // CONSTRAINT
	symbol := ""
	if !p.peekIs("PRIMARY") && !p.peekIs("UNIQUE") && !p.peekIs("FOREIGN") && !p.peekIs("CHECK") {
		s, err := p.ident()
		if err != nil {
			return err
		}
		symbol = s
	}
	switch {
	case p.accept("PRIMARY"):
		return p.primaryKey(t)
	case p.accept("UNIQUE"):
		return p.index(t, IndexUnique, symbol)
	case p.peekIs("FOREIGN"):
		return p.foreignKey(t, symbol, start)
	case p.accept("CHECK"):
		_, err := p.skipBalanced()
		return err
	}
	return p.errorf("unsupported constraint %s", p.describe())
}

// foreignKey keeps the definition opaque from start up to the end of the
// element.
func (p *parser) foreignKey(t *Table, symbol string, start int) error {
	depth := 0
	for p.pos < len(p.toks) {
		tok := p.toks[p.pos]
		if depth == 0 && (tok.punct(",") || tok.punct(")")) {
			break
		}
		if tok.punct("(") {
			depth++
		} else if tok.punct(")") {
			depth--
		}
		p.pos++
	}
	def := p.render(start, p.pos, true)
	if symbol == "" {
		symbol = fmt.Sprintf("%s_ibfk_%d", t.Name, len(t.ForeignKeys)+1)
		def = "CONSTRAINT " + quoteIdent(symbol) + " " + def
	}
	t.ForeignKeys = append(t.ForeignKeys, &ForeignKey{Name: symbol, Definition: def})
	return nil
}

func (p *parser) column(t *Table) error {
	name, err := p.ident()
	if err != nil {
		return err
	}
	typ, err := p.columnType()
	if err != nil {
		return fmt.Errorf("column %s: %w", name, err)
	}
	c := &Column{Name: name, Type: typ, Nullable: true}

	for {
		tok, ok := p.peek()
		if !ok || tok.punct(",") || tok.punct(")") {
			break
		}
		switch {
		case p.accept("UNSIGNED"):
			c.Type.Unsigned = true
		case p.accept("SIGNED"):
		case p.accept("ZEROFILL"):
			c.Type.Zerofill = true
			c.Type.Unsigned = true
		case p.accept("NOT"):
			if err := p.expect("NULL"); err != nil {
				return err
			}
			c.Nullable = false
		case p.accept("NULL"):
			c.Nullable = true
		case p.accept("DEFAULT"):
			d, err := p.defaultValue()
			if err != nil {
				return err
			}
			c.Default = &d
		case p.accept("AUTO_INCREMENT"):
			c.AutoIncrement = true
		case p.accept("ON"):
			if err := p.expect("UPDATE"); err != nil {
				return err
			}
			expr, err := p.timestampExpr()
			if err != nil {
				return err
			}
			c.OnUpdate = expr
		case p.accept("COMMENT"):
			s, ok := p.peek()
			if !ok || s.kind != tokString {
				return p.errorf("expected comment string for column %s", name)
			}
			p.pos++
			text := s.text
			c.Comment = &text
		case p.accept("CHARACTER"):
			if err := p.expect("SET"); err != nil {
				return err
			}
			if c.Charset, err = p.ident(); err != nil {
				return err
			}
		case p.accept("CHARSET"):
			if c.Charset, err = p.ident(); err != nil {
				return err
			}
		case p.accept("COLLATE"):
			if c.Collate, err = p.ident(); err != nil {
				return err
			}
		case p.accept("PRIMARY"):
			if err := p.expect("KEY"); err != nil {
				return err
			}
			if len(t.PrimaryKey) > 0 {
				return p.errorf("table %s has more than one primary key", t.Name)
			}
			t.PrimaryKey = []IndexPart{{Column: name}}
		case p.accept("KEY"):
			// A bare KEY attribute is a primary key.
			if len(t.PrimaryKey) > 0 {
				return p.errorf("table %s has more than one primary key", t.Name)
			}
			t.PrimaryKey = []IndexPart{{Column: name}}
		case p.accept("UNIQUE"):
			p.accept("KEY")
			t.Indexes = append(t.Indexes, &Index{Name: implicitIndexName(t, name), Kind: IndexUnique, Parts: []IndexPart{{Column: name}}})
		case p.accept("CHECK"):
			if _, err := p.skipBalanced(); err != nil {
				return err
			}
		case p.accept("COLUMN_FORMAT"), p.accept("STORAGE"):
			p.pos++
		case p.accept("VISIBLE"), p.accept("INVISIBLE"):
		case p.accept("GENERATED"):
			if err := p.expect("ALWAYS"); err != nil {
				return err
			}
		case p.accept("AS"):
			expr, err := p.skipBalanced()
			if err != nil {
				return err
			}
			c.Generated = expr
			if p.accept("STORED") || p.accept("PERSISTENT") {
				c.Stored = true
			} else {
				p.accept("VIRTUAL")
			}
		default:
			return p.errorf("unexpected %s in definition of column %s", p.describe(), name)
		}
	}
	if c.Default != nil && c.Default.Kind == DefaultNull && !c.Nullable {
		return p.errorf("column %s is NOT NULL with DEFAULT NULL", name)
	}
	t.Columns = append(t.Columns, c)
	return nil
}

func (p *parser) columnType() (TypeDescriptor, error) {
	tok, ok := p.peek()
	if !ok || tok.kind != tokWord {
		return TypeDescriptor{}, p.errorf("expected column type, found %s", p.describe())
	}
	start := p.pos
	p.pos++
	td := TypeDescriptor{Kind: strings.ToUpper(tok.text)}

	// Two word types.
	switch {
	case td.Kind == "DOUBLE" && p.accept("PRECISION"):
	case (td.Kind == "CHARACTER" || td.Kind == "CHAR") && p.accept("VARYING"):
		td.Kind = "VARCHAR"
	case td.Kind == "NATIONAL":
		next, err := p.ident()
		if err != nil {
			return TypeDescriptor{}, err
		}
		td.Kind = strings.ToUpper(next)
		if p.accept("VARYING") {
			td.Kind = "VARCHAR"
		}
	case td.Kind == "LONG" && (p.peekIs("VARCHAR") || p.peekIs("VARBINARY")):
		p.pos++
		td.Kind = "MEDIUMTEXT"
	}
	if td.Kind == "NCHAR" {
		td.Kind = "CHAR"
	}
	if td.Kind == "NVARCHAR" {
		td.Kind = "VARCHAR"
	}
	if _, alias := typeAliases[td.Kind]; !alias && !knownKinds[td.Kind] {
		p.pos = start
		return TypeDescriptor{}, p.errorf("unknown column type %s", tok.text)
	}

	if p.acceptPunct("(") {
		if td.Kind == "ENUM" || td.Kind == "SET" {
			for {
				v, ok := p.peek()
				if !ok || v.kind != tokString {
					return TypeDescriptor{}, p.errorf("expected %s member string", td.Kind)
				}
				p.pos++
				td.Values = append(td.Values, v.text)
				if p.acceptPunct(",") {
					continue
				}
				break
			}
		} else {
			n, err := p.integer()
			if err != nil {
				return TypeDescriptor{}, err
			}
			td.Length = &n
			if p.acceptPunct(",") {
				s, err := p.integer()
				if err != nil {
					return TypeDescriptor{}, err
				}
				td.Scale = &s
			}
		}
		if err := p.expectPunct(")"); err != nil {
			return TypeDescriptor{}, err
		}
	} else if td.Kind == "ENUM" || td.Kind == "SET" {
		return TypeDescriptor{}, p.errorf("%s without members", td.Kind)
	}
	normalizeKind(&td)
	return td, nil
}

func (p *parser) defaultValue() (Default, error) {
	tok, ok := p.peek()
	if !ok {
		return Default{}, p.errorf("missing default value")
	}
	switch {
	case tok.kind == tokString, tok.kind == tokIdent && tok.quote == '"':
		p.pos++
		return Default{Kind: DefaultString, Text: tok.text}, nil
	case tok.kind == tokNumber:
		p.pos++
		return Default{Kind: DefaultNumber, Text: tok.text}, nil
	case tok.punct("-") || tok.punct("+"):
		p.pos++
		n, ok := p.peek()
		if !ok || n.kind != tokNumber {
			return Default{}, p.errorf("expected number after sign in default")
		}
		p.pos++
		text := n.text
		if tok.text == "-" {
			text = "-" + text
		}
		return Default{Kind: DefaultNumber, Text: text}, nil
	case tok.is("NULL"):
		p.pos++
		return Default{Kind: DefaultNull}, nil
	case tok.is("TRUE"):
		p.pos++
		return Default{Kind: DefaultNumber, Text: "1"}, nil
	case tok.is("FALSE"):
		p.pos++
		return Default{Kind: DefaultNumber, Text: "0"}, nil
	case (tok.is("b") || tok.is("x")) && p.pos+1 < len(p.toks) && p.toks[p.pos+1].kind == tokString:
		p.pos += 2
		return Default{Kind: DefaultExpr, Text: strings.ToLower(tok.text) + quoteString(p.toks[p.pos-1].text)}, nil
	case tok.punct("("):
		expr, err := p.skipBalanced()
		if err != nil {
			return Default{}, err
		}
		return Default{Kind: DefaultExpr, Text: expr}, nil
	case tok.kind == tokWord:
		expr, err := p.timestampExpr()
		if err != nil {
			return Default{}, err
		}
		return Default{Kind: DefaultExpr, Text: expr}, nil
	}
	return Default{}, p.errorf("unsupported default value %s", p.describe())
}

// timestampExpr reads CURRENT_TIMESTAMP[(n)] and its synonyms.
func (p *parser) timestampExpr() (string, error) {
	tok, ok := p.peek()
	if !ok || tok.kind != tokWord {
		return "", p.errorf("expected CURRENT_TIMESTAMP, found %s", p.describe())
	}
	switch strings.ToUpper(tok.text) {
	case "CURRENT_TIMESTAMP", "NOW", "LOCALTIME", "LOCALTIMESTAMP", "CURRENT_DATE", "CURRENT_TIME", "UTC_TIMESTAMP":
	default:
		return "", p.errorf("unsupported expression %s", p.describe())
	}
	p.pos++
	name := strings.ToUpper(tok.text)
	if name == "NOW" || name == "LOCALTIME" || name == "LOCALTIMESTAMP" {
		name = "CURRENT_TIMESTAMP"
	}
	if p.acceptPunct("(") {
		if p.acceptPunct(")") {
			return name, nil
		}
		n, err := p.integer()
		if err != nil {
			return "", err
		}
		if err := p.expectPunct(")"); err != nil {
			return "", err
		}
		return fmt.Sprintf("%s(%d)", name, n), nil
	}
	return name, nil
}

func (p *parser) tableOptions(t *Table) error {
	for p.pos < len(p.toks) {
		p.acceptPunct(",")
		if p.accept("PARTITION") {
			// Partitioning is not diffed.
			p.pos = len(p.toks)
			return nil
		}
		p.accept("DEFAULT")
		tok, ok := p.peek()
		if !ok {
			return nil
		}
		if tok.kind != tokWord {
			return p.errorf("unexpected %s in table options", p.describe())
		}
		p.pos++
		key := strings.ToUpper(tok.text)
		if key == "CHARACTER" {
			if err := p.expect("SET"); err != nil {
				return err
			}
			key = "CHARSET"
		}
		p.acceptPunct("=")
		val, ok := p.peek()
		if !ok {
			return p.errorf("missing value for table option %s", key)
		}
		if val.punct("(") {
			// UNION=(t1,t2)
			if _, err := p.skipBalanced(); err != nil {
				return err
			}
			continue
		}
		p.pos++
		switch key {
		case "ENGINE", "TYPE":
			t.Options.Engine = val.text
		case "CHARSET":
			t.Options.Charset = val.text
		case "COLLATE":
			t.Options.Collate = val.text
		case "COMMENT":
			text := val.text
			t.Options.Comment = &text
		}
	}
	return nil
}
