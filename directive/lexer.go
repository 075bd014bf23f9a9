package directive

import (
	"fmt"
	"strings"
)

// Token is one whitespace-separated word of a directive line. Quoted words
// have their quotes removed and escapes resolved.
type Token struct {
	Value  string
	Quoted bool
	// Column is the zero-based byte offset of the token in the line.
	Column int
	// End is the offset just past the token.
	End int
}

// String returns a string representation of the token.
func (t Token) String() string {
	if t.Quoted {
		return fmt.Sprintf("%q@%d", t.Value, t.Column)
	}
	return fmt.Sprintf("%s@%d", t.Value, t.Column)
}

// LexError reports a malformed line.
type LexError struct {
	Message string
	Column  int
}

func (e *LexError) Error() string { return fmt.Sprintf("column %d: %s", e.Column+1, e.Message) }

// Tokenize splits line into tokens. Double quotes group words; inside quotes
// \" and \\ are the only escapes.
func Tokenize(line string) ([]Token, error) {
	var (
		tokens []Token
		pos    int
	)

	for pos < len(line) {
		for pos < len(line) && isSpace(line[pos]) {
			pos++
		}
		if pos >= len(line) {
			break
		}

		start := pos
		if line[pos] == '"' {
			value, end, err := readQuoted(line, pos)
			if err != nil {
				return tokens, err
			}
			tokens = append(tokens, Token{Value: value, Quoted: true, Column: start, End: end})
			pos = end
			continue
		}

		for pos < len(line) && !isSpace(line[pos]) {
			pos++
		}
		tokens = append(tokens, Token{Value: line[start:pos], Column: start, End: pos})
	}

	return tokens, nil
}

// readQuoted reads a quoted string starting at the opening quote and returns
// its value and the offset after the closing quote.
func readQuoted(line string, start int) (string, int, error) {
	var b strings.Builder

	for pos := start + 1; pos < len(line); pos++ {
		switch ch := line[pos]; ch {
		case '\\':
			if pos+1 < len(line) && (line[pos+1] == '"' || line[pos+1] == '\\') {
				pos++
				b.WriteByte(line[pos])
				continue
			}
			b.WriteByte(ch)
		case '"':
			return b.String(), pos + 1, nil
		default:
			b.WriteByte(ch)
		}
	}

	return "", len(line), &LexError{Message: "unterminated quoted string", Column: start}
}

func isSpace(ch byte) bool { return ch == ' ' || ch == '\t' || ch == '\r' }
