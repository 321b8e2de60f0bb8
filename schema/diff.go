// Package schema parses MySQL CREATE TABLE scripts and generates the DDL
// that turns one schema into another.
//
// Only structure is compared: tables, columns, primary keys, secondary
// indexes, foreign keys and a few table options. Renamed tables and columns
// appear as a drop plus a create. Column reordering alone produces no
// statements.
//
// # Usage Example
//
//	diff, err := schema.GenerateSchemaDiff(&recorded, shipped, &fromVersion, toVersion)
//	if err != nil {
//	    return err
//	}
//	if !diff.Empty() {
//	    err = schema.WriteFile("upgrade.sql", diff, schema.Meta{Generator: "nuwax-upgrade"})
//	}
package schema

import (
	"fmt"
	"sort"
	"strings"
)

// ClauseKind classifies the clauses of an ALTER TABLE statement.
type ClauseKind string

const (
	ClauseDropForeignKey ClauseKind = "drop-fk"
	ClauseDropIndex      ClauseKind = "drop-index"
	ClauseDropPrimaryKey ClauseKind = "drop-pk"
	ClauseAddColumn      ClauseKind = "add-column"
	ClauseModifyColumn   ClauseKind = "modify-column"
	ClauseAddPrimaryKey  ClauseKind = "add-pk"
	ClauseAddIndex       ClauseKind = "add-index"
	ClauseAddForeignKey  ClauseKind = "add-fk"
	ClauseDropColumn     ClauseKind = "drop-column"
	ClauseTableOptions   ClauseKind = "table-options"
)

var allClauses = []ClauseKind{
	ClauseDropForeignKey,
	ClauseDropIndex,
	ClauseDropPrimaryKey,
	ClauseAddColumn,
	ClauseModifyColumn,
	ClauseAddPrimaryKey,
	ClauseAddIndex,
	ClauseAddForeignKey,
	ClauseDropColumn,
	ClauseTableOptions,
}

// Options tunes the generated script.
type Options struct {
	// ClauseOrder orders the clauses of each ALTER TABLE. It must name every
	// ClauseKind exactly once, with index drops before column drops and
	// column adds before index adds.
	ClauseOrder []ClauseKind

	// IfExists emits CREATE TABLE IF NOT EXISTS and DROP TABLE IF EXISTS so
	// that a script interrupted part way can be run again.
	IfExists bool
}

// DefaultOptions returns the default clause order.
func DefaultOptions() Options {
	order := make([]ClauseKind, len(allClauses))
	copy(order, allClauses)
	return Options{ClauseOrder: order, IfExists: true}
}

// Differ generates DDL deltas. It holds no mutable state and is safe for
// concurrent use.
type Differ struct {
	opts Options
	rank map[ClauseKind]int
}

// NewDiffer validates opts and returns a Differ.
func NewDiffer(opts Options) (*Differ, error) {
	if len(opts.ClauseOrder) == 0 {
		opts.ClauseOrder = DefaultOptions().ClauseOrder
	}
	rank := make(map[ClauseKind]int, len(opts.ClauseOrder))
	for i, k := range opts.ClauseOrder {
		if _, dup := rank[k]; dup {
			return nil, fmt.Errorf("clause %q listed twice", k)
		}
		rank[k] = i
	}
	for _, k := range allClauses {
		if _, ok := rank[k]; !ok {
			return nil, fmt.Errorf("clause order is missing %q", k)
		}
	}
	if len(rank) != len(allClauses) {
		return nil, fmt.Errorf("clause order has unknown clauses")
	}
	if rank[ClauseDropIndex] > rank[ClauseDropColumn] {
		return nil, fmt.Errorf("%s must precede %s", ClauseDropIndex, ClauseDropColumn)
	}
	if rank[ClauseAddColumn] > rank[ClauseAddIndex] {
		return nil, fmt.Errorf("%s must precede %s", ClauseAddColumn, ClauseAddIndex)
	}
	return &Differ{opts: opts, rank: rank}, nil
}

var defaultDiffer, _ = NewDiffer(DefaultOptions())

// Diff is an ordered DDL script turning one schema into another.
type Diff struct {
	// SQL is Statements joined one per line.
	SQL         string
	Description string
	Statements  []string

	FromVersion string
	ToVersion   string

	Added   []string
	Altered []string
	Removed []string
}

// Empty reports whether the schemas were equivalent.
func (d Diff) Empty() bool { return len(d.Statements) == 0 }

// GenerateSchemaDiff diffs oldSQL against newSQL with the default options.
// A nil oldSQL yields CREATE statements for the whole new schema.
func GenerateSchemaDiff(oldSQL *string, newSQL string, oldVersion *string, newVersion string) (Diff, error) {
	return defaultDiffer.GenerateSchemaDiff(oldSQL, newSQL, oldVersion, newVersion)
}

// GenerateSchemaDiff parses both scripts and returns the delta. Parse
// failures are returned as *ParseError and no partial diff is produced.
func (d *Differ) GenerateSchemaDiff(oldSQL *string, newSQL string, oldVersion *string, newVersion string) (Diff, error) {
	newSchema, err := Parse(newSQL)
	if err != nil {
		return Diff{}, fmt.Errorf("failed to parse new schema: %w", err)
	}
	oldSchema := &Schema{tables: map[string]*Table{}}
	if oldSQL != nil {
		if oldSchema, err = Parse(*oldSQL); err != nil {
			return Diff{}, fmt.Errorf("failed to parse old schema: %w", err)
		}
	}

	from := "initial"
	if oldVersion != nil && *oldVersion != "" {
		from = *oldVersion
	}
	out := d.Compare(oldSchema, newSchema)
	out.FromVersion = from
	out.ToVersion = newVersion
	out.Description = fmt.Sprintf("%s→%s: %d tables added, %d altered, %d removed",
		from, newVersion, len(out.Added), len(out.Altered), len(out.Removed))
	return out, nil
}

// Compare diffs two parsed schemas. Version fields and Description are left
// empty.
func (d *Differ) Compare(oldSchema, newSchema *Schema) Diff {
	var (
		out     Diff
		creates []string
		alters  []string
		drops   []string
	)
	for _, t := range newSchema.Tables() {
		old, ok := oldSchema.Table(t.Name)
		if !ok {
			creates = append(creates, d.createTable(t))
			out.Added = append(out.Added, t.Name)
			continue
		}
		if stmt := d.alterTable(old, t); stmt != "" {
			alters = append(alters, stmt)
			out.Altered = append(out.Altered, t.Name)
		}
	}
	olds := oldSchema.Tables()
	for i := len(olds) - 1; i >= 0; i-- {
		t := olds[i]
		if _, ok := newSchema.Table(t.Name); ok {
			continue
		}
		stmt := "DROP TABLE "
		if d.opts.IfExists {
			stmt += "IF EXISTS "
		}
		drops = append(drops, stmt+quoteIdent(t.Name)+";")
		out.Removed = append(out.Removed, t.Name)
	}

	out.Statements = append(append(creates, alters...), drops...)
	if len(out.Statements) > 0 {
		out.SQL = strings.Join(out.Statements, "\n") + "\n"
	}
	return out
}

func (d *Differ) createTable(t *Table) string {
	var defs []string
	for _, c := range t.Columns {
		defs = append(defs, c.Definition())
	}
	if len(t.PrimaryKey) > 0 {
		defs = append(defs, "PRIMARY KEY "+renderParts(t.PrimaryKey))
	}
	for _, ix := range t.Indexes {
		defs = append(defs, ix.keyword()+" "+quoteIdent(ix.Name)+" "+renderParts(ix.Parts))
	}
	for _, fk := range t.ForeignKeys {
		defs = append(defs, fk.Definition)
	}

	var b strings.Builder
	b.WriteString("CREATE TABLE ")
	if d.opts.IfExists {
		b.WriteString("IF NOT EXISTS ")
	}
	b.WriteString(quoteIdent(t.Name))
	b.WriteString(" (")
	b.WriteString(strings.Join(defs, ", "))
	b.WriteString(")")
	if opts := renderOptions(t.Options); opts != "" {
		b.WriteString(" ")
		b.WriteString(opts)
	}
	b.WriteString(";")
	return b.String()
}

func renderOptions(o TableOptions) string {
	var parts []string
	if o.Engine != "" {
		parts = append(parts, "ENGINE="+o.Engine)
	}
	if o.Charset != "" {
		parts = append(parts, "DEFAULT CHARSET="+o.Charset)
	}
	if o.Collate != "" {
		parts = append(parts, "COLLATE="+o.Collate)
	}
	if o.Comment != nil {
		parts = append(parts, "COMMENT="+quoteString(*o.Comment))
	}
	return strings.Join(parts, " ")
}

type clause struct {
	kind ClauseKind
	text string
}

// alterTable returns the single ALTER TABLE statement for a shared table,
// or "" when nothing changed.
func (d *Differ) alterTable(old, cur *Table) string {
	var clauses []clause
	add := func(kind ClauseKind, text string) {
		clauses = append(clauses, clause{kind, text})
	}

	// Columns. The predecessor of an added column is the column right before
	// it in the new ordering; earlier ADD clauses create it first.
	for i, c := range cur.Columns {
		prev, ok := old.Column(c.Name)
		if !ok {
			pos := " FIRST"
			if i > 0 {
				pos = " AFTER " + quoteIdent(cur.Columns[i-1].Name)
			}
			add(ClauseAddColumn, "ADD COLUMN "+c.Definition()+pos)
			continue
		}
		if !prev.sameDefinition(c) {
			add(ClauseModifyColumn, "MODIFY COLUMN "+c.Definition())
		}
	}
	for _, c := range old.Columns {
		if _, ok := cur.Column(c.Name); !ok {
			add(ClauseDropColumn, "DROP COLUMN "+quoteIdent(c.Name))
		}
	}

	// Primary key.
	if !sameParts(old.PrimaryKey, cur.PrimaryKey) {
		if len(old.PrimaryKey) > 0 {
			add(ClauseDropPrimaryKey, "DROP PRIMARY KEY")
		}
		if len(cur.PrimaryKey) > 0 {
			add(ClauseAddPrimaryKey, "ADD PRIMARY KEY "+renderParts(cur.PrimaryKey))
		}
	}

	// Secondary indexes, by name.
	for _, ix := range old.Indexes {
		if n, ok := cur.Index(ix.Name); !ok || !n.same(ix) {
			add(ClauseDropIndex, "DROP INDEX "+quoteIdent(ix.Name))
		}
	}
	for _, ix := range cur.Indexes {
		if len(ix.Parts) == 0 {
			continue
		}
		if o, ok := old.Index(ix.Name); !ok || !o.same(ix) {
			add(ClauseAddIndex, ix.addKeyword()+" "+quoteIdent(ix.Name)+" "+renderParts(ix.Parts))
		}
	}

	// Foreign keys, compared by their normalized definition.
	oldFK := map[string]*ForeignKey{}
	for _, fk := range old.ForeignKeys {
		oldFK[strings.ToLower(fk.Name)] = fk
	}
	curFK := map[string]*ForeignKey{}
	for _, fk := range cur.ForeignKeys {
		curFK[strings.ToLower(fk.Name)] = fk
	}
	for _, fk := range old.ForeignKeys {
		if n, ok := curFK[strings.ToLower(fk.Name)]; !ok || n.Definition != fk.Definition {
			add(ClauseDropForeignKey, "DROP FOREIGN KEY "+quoteIdent(fk.Name))
		}
	}
	for _, fk := range cur.ForeignKeys {
		if o, ok := oldFK[strings.ToLower(fk.Name)]; !ok || o.Definition != fk.Definition {
			add(ClauseAddForeignKey, "ADD "+fk.Definition)
		}
	}

	if opts := changedOptions(old.Options, cur.Options); opts != "" {
		add(ClauseTableOptions, opts)
	}

	if len(clauses) == 0 {
		return ""
	}
	d.sortClauses(clauses)
	texts := make([]string, len(clauses))
	for i, c := range clauses {
		texts[i] = c.text
	}
	return "ALTER TABLE " + quoteIdent(cur.Name) + " " + strings.Join(texts, ", ") + ";"
}

// sortClauses orders clauses by kind and keeps generation order within a
// kind, which AFTER placement relies on.
func (d *Differ) sortClauses(cs []clause) {
	sort.SliceStable(cs, func(i, j int) bool {
		return d.rank[cs[i].kind] < d.rank[cs[j].kind]
	})
}

// changedOptions renders the options that differ. Options present in the
// old table but absent from the new one are left alone.
func changedOptions(old, cur TableOptions) string {
	var diff TableOptions
	if cur.Engine != "" && !strings.EqualFold(cur.Engine, old.Engine) {
		diff.Engine = cur.Engine
	}
	if cur.Charset != "" && !strings.EqualFold(cur.Charset, old.Charset) {
		diff.Charset = cur.Charset
	}
	if cur.Collate != "" && !strings.EqualFold(cur.Collate, old.Collate) {
		diff.Collate = cur.Collate
	}
	if cur.Comment != nil && !optionalEqual(cur.Comment, old.Comment) {
		diff.Comment = cur.Comment
	}
	return renderOptions(diff)
}
