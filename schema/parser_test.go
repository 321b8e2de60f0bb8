package schema

import (
	"errors"
	"strings"
	"testing"
)

func TestParse_CommentsAndStrings(t *testing.T) {
	src := `
-- leading comment; with a semicolon
SET NAMES utf8mb4;
/* block; comment */
INSERT INTO audit VALUES ('a;b', "c;d");
# hash comment
CREATE TABLE IF NOT EXISTS ` + "`app`.`notes`" + ` (
  ` + "`id`" + ` BIGINT UNSIGNED NOT NULL AUTO_INCREMENT COMMENT 'primary; key',
  "body" TEXT CHARACTER SET utf8mb4 COLLATE utf8mb4_unicode_ci,
  title VARCHAR(100) NOT NULL DEFAULT 'it''s \'quoted\'',
  PRIMARY KEY (id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COMMENT='notes; table';
CREATE UNIQUE INDEX idx_title ON notes (title(20) DESC);
CREATE VIEW v AS SELECT 1;
`
	s, err := Parse(src)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if s.Len() != 1 {
		t.Fatalf("expected 1 table, got %d", s.Len())
	}
	tbl, ok := s.Table("NOTES")
	if !ok {
		t.Fatal("table notes not found")
	}
	if len(tbl.Columns) != 3 {
		t.Fatalf("expected 3 columns, got %d", len(tbl.Columns))
	}
	id := tbl.Columns[0]
	if id.Comment == nil || *id.Comment != "primary; key" {
		t.Errorf("id comment = %v", id.Comment)
	}
	if id.Type.String() != "BIGINT UNSIGNED" || id.Nullable || !id.AutoIncrement {
		t.Errorf("unexpected id column: %+v", id)
	}
	body, _ := tbl.Column("body")
	if body.Charset != "utf8mb4" || body.Collate != "utf8mb4_unicode_ci" {
		t.Errorf("body charset/collate = %q/%q", body.Charset, body.Collate)
	}
	title, _ := tbl.Column("title")
	if title.Default == nil || title.Default.Text != "it's 'quoted'" {
		t.Errorf("title default = %+v", title.Default)
	}
	if title.Position != 2 {
		t.Errorf("title position = %d", title.Position)
	}
	if tbl.Options.Engine != "InnoDB" || tbl.Options.Charset != "utf8mb4" || tbl.Options.Comment == nil || *tbl.Options.Comment != "notes; table" {
		t.Errorf("options = %+v", tbl.Options)
	}
	ix, ok := tbl.Index("idx_title")
	if !ok {
		t.Fatal("standalone index not attached")
	}
	if ix.Kind != IndexUnique || renderParts(ix.Parts) != "(`title`(20) DESC)" {
		t.Errorf("index = %+v", ix)
	}
}

func TestParse_ImplicitRules(t *testing.T) {
	s, err := Parse(`CREATE TABLE t (
		id INT,
		email VARCHAR(255) UNIQUE,
		code INT,
		UNIQUE (code),
		UNIQUE KEY (code),
		FOREIGN KEY (id) REFERENCES other (id),
		CHECK (code > 0),
		PRIMARY KEY (id)
	)`)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	tbl, _ := s.Table("t")
	id, _ := tbl.Column("id")
	if id.Nullable {
		t.Error("primary key column should be NOT NULL")
	}
	var names []string
	for _, ix := range tbl.Indexes {
		names = append(names, ix.Name)
	}
	if got := strings.Join(names, ","); got != "email,code,code_2" {
		t.Errorf("index names = %s", got)
	}
	if len(tbl.ForeignKeys) != 1 || tbl.ForeignKeys[0].Name != "t_ibfk_1" {
		t.Fatalf("foreign keys = %+v", tbl.ForeignKeys)
	}
	if !strings.HasPrefix(tbl.ForeignKeys[0].Definition, "CONSTRAINT `t_ibfk_1` FOREIGN KEY") {
		t.Errorf("fk definition = %q", tbl.ForeignKeys[0].Definition)
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		sql  string
		msg  string
	}{
		{"truncated", "CREATE TABLE t (id INT,", "expected identifier"},
		{"unknown type", "CREATE TABLE t (id WIBBLE)", "unknown column type"},
		{"duplicate column", "CREATE TABLE t (id INT, ID INT)", "duplicate column"},
		{"duplicate table", "CREATE TABLE t (id INT); CREATE TABLE T (id INT);", "defined twice"},
		{"duplicate index", "CREATE TABLE t (a INT, KEY k (a), KEY k (a))", "duplicate index"},
		{"index on unknown column", "CREATE TABLE t (a INT, KEY k (b))", "unknown column b"},
		{"two primary keys", "CREATE TABLE t (a INT PRIMARY KEY, PRIMARY KEY (a))", "more than one primary key"},
		{"not null default null", "CREATE TABLE t (a INT NOT NULL DEFAULT NULL)", "DEFAULT NULL"},
		{"unterminated string", "CREATE TABLE t (a INT COMMENT 'oops)", "unterminated"},
		{"unterminated comment", "CREATE TABLE t (a INT) /* never closed", "unterminated block comment"},
		{"index on unknown table", "CREATE INDEX k ON missing (a)", "unknown table"},
		{"enum without members", "CREATE TABLE t (a ENUM)", "without members"},
		{"no column list", "CREATE TABLE t LIKE other", "without a column list"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.sql)
			var pe *ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("expected ParseError, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.msg) {
				t.Errorf("error %q does not mention %q", err, tt.msg)
			}
		})
	}
}

func TestParseError_Line(t *testing.T) {
	_, err := Parse("CREATE TABLE ok (a INT);\n\nCREATE TABLE bad (\n  a INT,\n  b NOPE\n);")
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ParseError, got %v", err)
	}
	if pe.Line != 5 {
		t.Errorf("line = %d, want 5", pe.Line)
	}
	if !strings.HasPrefix(pe.Statement, "CREATE TABLE bad") {
		t.Errorf("statement = %q", pe.Statement)
	}
}
