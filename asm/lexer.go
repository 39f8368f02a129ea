package asm

import (
	"fmt"
	"strconv"
	"strings"
)

// ---------------------------------------------------------------------------
// Lexer: one source line into tokens
// ---------------------------------------------------------------------------

// TokenKind classifies a token.
type TokenKind int

const (
	TokenWord      TokenKind = iota // mnemonic, directive, label or name
	TokenNumber                     // numeric literal
	TokenString                     // quoted text, already unescaped
	TokenFuncRef                    // @name
	TokenLabelDef                   // name:
	TokenAttribute                  // key=value
)

// Token is one lexical element of a line.
type Token struct {
	Kind   TokenKind
	Text   string  // word, label, reference name, unquoted text, or attribute key
	Value  string  // attribute value
	Number float64 // numeric value
	Column int     // 1-based column of the first character
}

// lexLine splits a line into tokens. A semicolon outside a string starts a
// comment that runs to the end of the line.
func lexLine(line string) ([]Token, error) {
	var toks []Token
	i := 0
	for i < len(line) {
		c := line[i]
		switch {
		case c == ' ' || c == '\t' || c == '\r':
			i++
			continue
		case c == ';':
			return toks, nil
		case c == '"':
			end, err := scanString(line, i)
			if err != nil {
				return nil, err
			}
			text, err := strconv.Unquote(line[i:end])
			if err != nil {
				return nil, fmt.Errorf("column %d: invalid string literal", i+1)
			}
			toks = append(toks, Token{Kind: TokenString, Text: text, Column: i + 1})
			i = end
			continue
		}

		start := i
		for i < len(line) && !isDelimiter(line[i]) {
			i++
		}
		word := line[start:i]
		tok, err := classify(word, start+1)
		if err != nil {
			return nil, err
		}
		toks = append(toks, tok)
	}
	return toks, nil
}

// scanString returns the offset just past the closing quote of the string
// starting at line[start].
func scanString(line string, start int) (int, error) {
	for i := start + 1; i < len(line); i++ {
		switch line[i] {
		case '\\':
			i++
		case '"':
			return i + 1, nil
		}
	}
	return 0, fmt.Errorf("column %d: unterminated string", start+1)
}

func isDelimiter(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == ';' || c == '"'
}

func classify(word string, col int) (Token, error) {
	switch {
	case strings.HasPrefix(word, "@"):
		name := word[1:]
		if !isName(name) {
			return Token{}, fmt.Errorf("column %d: invalid function reference %q", col, word)
		}
		return Token{Kind: TokenFuncRef, Text: name, Column: col}, nil

	case strings.HasSuffix(word, ":"):
		name := strings.TrimSuffix(word, ":")
		if !isName(name) {
			return Token{}, fmt.Errorf("column %d: invalid label %q", col, word)
		}
		return Token{Kind: TokenLabelDef, Text: name, Column: col}, nil

	case strings.Contains(word, "="):
		key, value, _ := strings.Cut(word, "=")
		return Token{Kind: TokenAttribute, Text: key, Value: value, Column: col}, nil
	}

	if f, ok := parseNumber(word); ok {
		return Token{Kind: TokenNumber, Text: word, Number: f, Column: col}, nil
	}
	return Token{Kind: TokenWord, Text: word, Column: col}, nil
}

// parseNumber accepts decimal and hexadecimal integers and decimal floats.
func parseNumber(word string) (float64, bool) {
	c := word[0]
	if !(c >= '0' && c <= '9') && c != '-' && c != '+' && c != '.' {
		return 0, false
	}
	if i, err := strconv.ParseInt(word, 0, 64); err == nil {
		return float64(i), true
	}
	f, err := strconv.ParseFloat(word, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func isName(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '_' || c == '.' || c == '$':
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
