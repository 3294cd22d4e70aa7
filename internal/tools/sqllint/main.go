package main

import (
	"flag"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

var (
	sqlMarkerPattern  = regexp.MustCompile(`(?i)\b(select|insert|update|delete|with)\b`)
	uuidMarkerPattern = regexp.MustCompile(`^--sql [0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
)

type violation struct {
	file    string
	name    string
	line    int
	message string
}

func (v violation) String() string {
	return fmt.Sprintf("%s:%d %s (%s)", v.file, v.line, v.message, v.name)
}

// Usage: sqllint [dir|file.go ...]. Exits 1 when any marked-SQL rule fails.
func main() {
	flag.Parse()
	os.Exit(run(flag.Args(), os.Stderr))
}

func run(targets []string, stderr io.Writer) int {
	if len(targets) == 0 {
		targets = []string{"."}
	}
	l := newLinter()
	for _, target := range targets {
		if err := l.walk(target); err != nil {
			fmt.Fprintf(stderr, "sqllint: %v\n", err)
			return 1
		}
	}
	if len(l.violations) == 0 {
		return 0
	}
	fmt.Fprintf(stderr, "sqllint: %d SQL audit marker violation(s)\n", len(l.violations))
	for _, v := range l.violations {
		fmt.Fprintf(stderr, "  %s\n", v)
	}
	return 1
}

// linter checks markers across files; a marker may appear only once so a
// logged sql[<uuid>] line always points at one query.
type linter struct {
	seen       map[string]string
	violations []violation
}

func newLinter() *linter {
	return &linter{seen: make(map[string]string)}
}

// walk lints target, a .go file or a directory tree. Directories the go tool
// ignores (".x", "_x", testdata) and vendor are skipped.
func (l *linter) walk(target string) error {
	info, err := os.Stat(target)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		if filepath.Ext(target) != ".go" {
			return nil
		}
		return l.lint(target)
	}
	return filepath.WalkDir(target, func(path string, d fs.DirEntry, err error) error {
		switch {
		case err != nil:
			return err
		case d.IsDir() && path != target && skipDir(d.Name()):
			return filepath.SkipDir
		case d.IsDir() || filepath.Ext(path) != ".go":
			return nil
		}
		return l.lint(path)
	})
}

func skipDir(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") || name == "vendor" || name == "testdata"
}

func lintFile(path string) ([]violation, error) {
	l := newLinter()
	if err := l.lint(path); err != nil {
		return nil, err
	}
	return l.violations, nil
}

func (l *linter) lint(path string) error {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, path, nil, parser.ParseComments)
	if err != nil {
		return err
	}
	ast.Inspect(file, func(n ast.Node) bool {
		vs, ok := n.(*ast.ValueSpec)
		if !ok {
			return true
		}
		for _, value := range vs.Values {
			parts := stringParts(value)
			if len(parts) == 0 {
				continue
			}
			var joined strings.Builder
			for _, p := range parts {
				raw, err := strconv.Unquote(p.Value)
				if err != nil {
					continue
				}
				joined.WriteString(raw)
			}
			if !sqlMarkerPattern.MatchString(joined.String()) {
				continue
			}
			// The marker must open the leftmost literal of a concatenation.
			head, err := strconv.Unquote(parts[0].Value)
			if err != nil {
				continue
			}
			pos := fset.Position(parts[0].Pos())
			marker := firstLine(head)
			if !uuidMarkerPattern.MatchString(marker) {
				l.violations = append(l.violations, violation{
					file:    path,
					line:    pos.Line,
					name:    joinNames(vs.Names),
					message: "missing or invalid --sql <uuid> marker",
				})
				continue
			}
			where := fmt.Sprintf("%s:%d", path, pos.Line)
			if prev, dup := l.seen[marker]; dup {
				l.violations = append(l.violations, violation{
					file:    path,
					line:    pos.Line,
					name:    joinNames(vs.Names),
					message: "marker already used at " + prev,
				})
				continue
			}
			l.seen[marker] = where
		}
		return true
	})
	return nil
}

// stringParts returns the string literals of a constant expression built
// with +. Identifiers in the chain are skipped; any other expression yields nil.
func stringParts(expr ast.Expr) []*ast.BasicLit {
	switch e := expr.(type) {
	case *ast.BasicLit:
		if e.Kind == token.STRING {
			return []*ast.BasicLit{e}
		}
	case *ast.ParenExpr:
		return stringParts(e.X)
	case *ast.BinaryExpr:
		if e.Op != token.ADD {
			return nil
		}
		left := stringParts(e.X)
		if _, isIdent := e.X.(*ast.Ident); !isIdent && left == nil {
			return nil
		}
		right := stringParts(e.Y)
		if _, isIdent := e.Y.(*ast.Ident); !isIdent && right == nil {
			return nil
		}
		return append(left, right...)
	}
	return nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimLeft(s, "\n\r \t"), "\n")
	return strings.TrimSpace(line)
}

func joinNames(idents []*ast.Ident) string {
	names := make([]string, len(idents))
	for i, ident := range idents {
		names[i] = ident.Name
	}
	return strings.Join(names, ",")
}
