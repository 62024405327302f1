// Package rewrite implements the pre-parse SQL rewriter. It recognizes
// the MYVECTOR annotations in CREATE TABLE / ALTER TABLE and in SELECT /
// EXPLAIN statements and transforms them into standard SQL plus scalar
// function calls. On any failure the original query is returned
// unchanged; the rewriter never corrupts a query.
package rewrite

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/p3io/myvector/vector"
)

const (
	columnAnnotation = "MYVECTOR("
	isANNAnnotation  = "MYVECTOR_IS_ANN("
	searchAnnotation = "MYVECTOR_SEARCH"

	defaultIndexType = "type=KNN"

	// maxColumnInfoLen caps the option string preserved in the column
	// comment (MySQL column comments are limited to 1024 bytes).
	maxColumnInfoLen = 128
)

var (
	createTableRe = regexp.MustCompile(`(?i)^CREATE\s+TABLE`)
	alterTableRe  = regexp.MustCompile(`(?i)^ALTER\s+TABLE`)
	selectRe      = regexp.MustCompile(`(?i)^SELECT\s+`)
	explainRe     = regexp.MustCompile(`(?i)^EXPLAIN\s+`)
)

// Rewriter rewrites queries. The zero value is not usable; construct
// with New.
type Rewriter struct {
	logger *slog.Logger
}

// New creates a Rewriter.
func New(logger *slog.Logger) *Rewriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Rewriter{logger: logger}
}

// Rewrite transforms query and reports whether it changed. It triggers
// only on statements starting with one of C/A/S/E that contain the
// MYVECTOR marker.
func (rw *Rewriter) Rewrite(query string) (string, bool) {
	if len(query) == 0 || !strings.ContainsRune("CcAaSsEe", rune(query[0])) {
		return query, false
	}
	if !strings.Contains(query, "MYVECTOR") {
		return query, false
	}

	var rewritten string
	var err error

	switch {
	case selectRe.MatchString(query) || explainRe.MatchString(query):
		if strings.Contains(query, isANNAnnotation) {
			rewritten, err = rw.rewriteIsANN(query)
		} else if strings.Contains(query, searchAnnotation) {
			rewritten, err = rw.rewriteSearch(query)
		}
	case (createTableRe.MatchString(query) || alterTableRe.MatchString(query)) &&
		strings.Contains(query, columnAnnotation):
		rewritten, err = rw.rewriteColumnDef(query)
	}

	if err != nil {
		rw.logger.Error("query rewrite failed, passing original through", "error", err)
		return query, false
	}
	if rewritten == "" || rewritten == query {
		return query, false
	}

	rw.logger.Debug("query rewritten", "query", rewritten)
	return rewritten, true
}

// rewriteColumnDef replaces every MYVECTOR(...) column annotation with a
// VARBINARY column of the serialized payload width whose comment
// preserves the option string. A track=<col> option appends an
// auto-updating timestamp column.
func (rw *Rewriter) rewriteColumnDef(query string) (string, error) {
	out := query
	for {
		pos := strings.Index(out, columnAnnotation)
		if pos < 0 {
			break
		}
		spos := pos + len(columnAnnotation)
		rel := strings.IndexByte(out[pos:], ')')
		if rel < 0 {
			return "", fmt.Errorf("MYVECTOR column: terminating ')' not found")
		}
		epos := pos + rel

		colinfo := out[spos:epos]
		if len(colinfo) > maxColumnInfoLen {
			return "", fmt.Errorf("MYVECTOR column info too long: %d bytes", len(colinfo))
		}

		vo, err := vector.ParseOptions(colinfo)
		if err != nil {
			return "", fmt.Errorf("MYVECTOR column options: %w", err)
		}

		vtype := vo.Get("type")
		if vtype == "" {
			colinfo = defaultIndexType + "," + colinfo
			vtype = "KNN"
		}

		if vo.Get("dim") == "" {
			return "", fmt.Errorf("MYVECTOR column dimension not defined")
		}
		dim := vo.GetInt("dim", 0)
		if dim < vector.MinDim || dim > vector.MaxDim {
			return "", fmt.Errorf("MYVECTOR column dimension incorrect: %d", dim)
		}

		width := vector.StorageLen(dim)
		if vtype == "HNSW_BV" {
			width = vector.BVStorageLen(dim)
		}

		newColumn := "VARBINARY(" + strconv.Itoa(width) + ") COMMENT 'MYVECTOR Column |" + colinfo + "'"
		if track := vo.Get("track"); track != "" {
			newColumn += ", " + track + " TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP"
		}

		out = out[:pos] + newColumn + out[epos+1:]
	}
	return out, nil
}

// rewriteIsANN replaces every MYVECTOR_IS_ANN(vec_col, id_col, qvec
// [,opts]) predicate with an id IN (...) subquery over the
// myvector_ann_set scalar function. Nested parentheses inside the
// arguments are balanced correctly.
func (rw *Rewriter) rewriteIsANN(query string) (string, error) {
	out := query
	for {
		pos := strings.Index(out, isANNAnnotation)
		if pos < 0 {
			break
		}
		spos := pos + len(isANNAnnotation)
		epos, ok := matchParen(out, spos)
		if !ok {
			return "", fmt.Errorf("MYVECTOR_IS_ANN: unbalanced parentheses")
		}

		params := out[spos:epos]
		args := splitArgs(params)
		if len(args) < 3 {
			return "", fmt.Errorf("MYVECTOR_IS_ANN: expected at least 3 arguments, got %d", len(args))
		}

		idcol := strings.Trim(args[1], "'")

		var sb strings.Builder
		sb.WriteString("( ")
		sb.WriteString(idcol)
		sb.WriteString(" IN (SELECT `myvecid` FROM JSON_TABLE(myvector_ann_set(")
		sb.WriteString(params)
		sb.WriteString(`), "$[*]" COLUMNS(` + "`myvecid`" + ` BIGINT PATH "$")) ` + "`myvector_ann`" + `) )`)

		out = out[:pos] + sb.String() + out[epos+1:]
	}
	return out, nil
}

// rewriteSearch replaces every MYVECTOR_SEARCH[base, id, index, query
// [,opts]] table form (brackets or braces, no nesting) with a FROM/WHERE
// subquery joining the query table's searchvec column.
func (rw *Rewriter) rewriteSearch(query string) (string, error) {
	out := query
	for {
		pos := strings.Index(out, searchAnnotation)
		if pos < 0 {
			break
		}
		spos := pos + len(searchAnnotation)
		if spos >= len(out) {
			return "", fmt.Errorf("MYVECTOR_SEARCH: missing argument list")
		}

		var closing string
		switch out[spos] {
		case '[':
			closing = "]"
		case '{':
			closing = "}"
		default:
			return "", fmt.Errorf("MYVECTOR_SEARCH: expected '[' or '{'")
		}
		spos++
		rel := strings.Index(out[spos:], closing)
		if rel < 0 {
			return "", fmt.Errorf("MYVECTOR_SEARCH: terminating %q not found", closing)
		}
		epos := spos + rel

		args := splitArgs(out[spos:epos])
		if len(args) < 4 || len(args) > 5 {
			return "", fmt.Errorf("MYVECTOR_SEARCH: expected 4 or 5 arguments, got %d", len(args))
		}

		baseTable, idcol, vecIndex, queryTable := args[0], args[1], args[2], args[3]
		annopt := ""
		if len(args) > 4 {
			annopt = args[4]
		}

		// The query table must carry a vector column named 'searchvec'.
		var sb strings.Builder
		sb.WriteString(baseTable)
		sb.WriteString(" WHERE ")
		sb.WriteString(idcol)
		sb.WriteString(" IN (SELECT myvecid FROM ")
		sb.WriteString(queryTable)
		sb.WriteString(" b, JSON_TABLE(myvector_ann_set('")
		sb.WriteString(vecIndex)
		sb.WriteString("','")
		sb.WriteString(idcol)
		sb.WriteString("', searchvec, '")
		sb.WriteString(annopt)
		sb.WriteString(`'), "$[*]" COLUMNS(` + "`myvecid`" + ` BIGINT PATH "$")) ` + "`myvector_ann`" + `)`)

		out = out[:pos] + sb.String() + out[epos+len(closing):]
	}
	return out, nil
}

// matchParen returns the index of the ')' balancing the '(' just before
// start.
func matchParen(s string, start int) (int, bool) {
	depth := 1
	for i := start; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

// splitArgs splits a comma-separated argument list, trimming whitespace.
func splitArgs(s string) []string {
	parts := strings.Split(s, ",")
	args := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			args = append(args, p)
		}
	}
	return args
}
