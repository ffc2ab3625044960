package sqlconv

import (
	"strings"

	"github.com/ariyn/querygate/internal/querygate/types"
	"github.com/xwb1989/sqlparser"
)

// cteSource is one "name AS (body)" entry of a leading WITH clause.
type cteSource struct {
	name string
	body string
}

// splitStatement separates a leading WITH clause from the main statement.
// The parser grammar has no common table expressions, so the clause is cut
// out with the tokenizer and every body is parsed on its own. Offsets come
// from Tokenizer.Position, which runs one byte ahead of the last token.
func splitStatement(text string) ([]cteSource, string, error) {
	tkn := sqlparser.NewStringTokenizer(text)
	tok, _ := scanToken(tkn)
	if tok != sqlparser.WITH {
		return nil, text, nil
	}

	var ctes []cteSource
	for {
		tok, val := scanToken(tkn)
		if tok != sqlparser.ID {
			return nil, "", types.Reject(types.SyntaxError, "expected a name after WITH")
		}
		name := string(val)

		tok, val = scanToken(tkn)
		if strings.EqualFold(name, "recursive") && tok == sqlparser.ID {
			return nil, "", types.Reject(types.DisallowedStatement, "recursive common table expressions are not supported")
		}
		if tok == '(' {
			return nil, "", types.Reject(types.SyntaxError, "column lists on %s are not supported", name)
		}
		if tok != sqlparser.AS {
			return nil, "", types.Reject(types.SyntaxError, "expected AS after %s, got %q", name, val)
		}
		if tok, _ = scanToken(tkn); tok != '(' {
			return nil, "", types.Reject(types.SyntaxError, "expected ( after %s AS", name)
		}
		start := tkn.Position - 1

		depth := 1
		end := -1
		for depth > 0 {
			tok, val = scanToken(tkn)
			switch tok {
			case 0:
				return nil, "", types.Reject(types.SyntaxError, "unterminated body of %s", name)
			case sqlparser.LEX_ERROR:
				return nil, "", types.Reject(types.SyntaxError, "invalid token %q in %s", val, name)
			case '(':
				depth++
			case ')':
				depth--
				if depth == 0 {
					end = tkn.Position - 2
				}
			}
		}
		ctes = append(ctes, cteSource{name: name, body: strings.TrimSpace(text[start:end])})

		rest := tkn.Position - 1
		tok, _ = scanToken(tkn)
		if tok == ',' {
			continue
		}
		if tok == 0 {
			return nil, "", types.Reject(types.SyntaxError, "WITH clause is not followed by a statement")
		}
		return ctes, strings.TrimSpace(text[rest:]), nil
	}
}

// scanToken skips comments.
func scanToken(tkn *sqlparser.Tokenizer) (int, []byte) {
	for {
		tok, val := tkn.Scan()
		if tok != sqlparser.COMMENT {
			return tok, val
		}
	}
}

// countStatements returns the number of non-empty statements in text.
func countStatements(text string) (int, error) {
	pieces, err := sqlparser.SplitStatementToPieces(text)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range pieces {
		if strings.TrimSpace(p) != "" {
			n++
		}
	}
	return n, nil
}
