package plugins

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

var ErrBadArguments = errors.New("bad plugin arguments")

// Call is one invocation found in model output, e.g.
// search("cats", num_results=3). Start and End are byte offsets of the whole
// invocation in the scanned text.
type Call struct {
	Name  string
	Raw   string
	Args  Args
	Err   error
	Start int
	End   int
}

// FindCalls returns every complete invocation of name in text, left to
// right. The argument list must close with a balanced parenthesis; quoted
// strings may contain parentheses and commas. An opening without its closing
// parenthesis is not a call. Arguments are parsed, never evaluated: a syntax
// error is reported on Call.Err.
func FindCalls(text, name string) []Call {
	var out []Call
	open := name + "("
	from := 0
	for {
		i := strings.Index(text[from:], open)
		if i < 0 {
			return out
		}
		start := from + i
		argsStart := start + len(open)
		if start > 0 && isIdentByte(text[start-1]) {
			from = argsStart
			continue
		}
		end, ok := matchParen(text, argsStart)
		if !ok {
			from = argsStart
			continue
		}
		c := Call{Name: name, Raw: text[start : end+1], Start: start, End: end + 1}
		c.Args, c.Err = parseArgs(text[argsStart:end])
		out = append(out, c)
		from = end + 1
	}
}

// TrailingOpenCall reports the offset of an unterminated invocation of name
// at the end of text, as left behind by a reply cut off mid-stream. An
// invocation followed by any ')' is not trailing.
func TrailingOpenCall(text, name string) (int, bool) {
	open := name + "("
	from := 0
	for {
		i := strings.Index(text[from:], open)
		if i < 0 {
			return -1, false
		}
		start := from + i
		argsStart := start + len(open)
		if start == 0 || !isIdentByte(text[start-1]) {
			if _, ok := matchParen(text, argsStart); !ok && !strings.Contains(text[argsStart:], ")") {
				return start, true
			}
		}
		from = argsStart
	}
}

// matchParen returns the index of the parenthesis closing the one just
// before from. Quoted strings may hide parentheses; when the quotes never
// balance, as with an apostrophe in bare text, quotes are ignored.
func matchParen(text string, from int) (int, bool) {
	if end, ok := scanParen(text, from, true); ok {
		return end, true
	}
	return scanParen(text, from, false)
}

func scanParen(text string, from int, quotes bool) (int, bool) {
	depth := 1
	var quote byte
	for i := from; i < len(text); i++ {
		ch := text[i]
		if quote != 0 {
			switch ch {
			case '\\':
				i++
			case quote:
				quote = 0
			}
			continue
		}
		switch ch {
		case '"', '\'':
			if quotes && opensString(text, from, i) {
				quote = ch
			}
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

// opensString reports whether the quote at i starts a value: it must follow
// the argument list start, a separator or an opening bracket. An apostrophe
// inside a word does not.
func opensString(text string, from, i int) bool {
	for j := i - 1; j >= from; j-- {
		switch text[j] {
		case ' ', '\t', '\n', '\r':
			continue
		case '(', ',', '=', '[', '{':
			return true
		}
		return false
	}
	return true
}

func isIdentByte(b byte) bool {
	return b == '_' || b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9'
}

type ValueKind int

const (
	KindString ValueKind = iota
	KindNumber
	KindBool
	KindNull
)

type Value struct {
	Kind ValueKind
	Str  string
	Num  float64
	Bool bool
}

// Args holds positional and keyword arguments in source order.
type Args struct {
	Positional []Value
	Keyword    map[string]Value
}

func parseArgs(src string) (Args, error) {
	args := Args{Keyword: map[string]Value{}}
	parts, err := splitTopLevel(src, true)
	if err != nil {
		// An apostrophe in unquoted text is not a string delimiter.
		parts, _ = splitTopLevel(src, false)
	}
	for idx, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			if len(parts) == 1 || idx == len(parts)-1 {
				continue
			}
			return args, fmt.Errorf("%w: empty argument", ErrBadArguments)
		}
		if key, val, ok := splitKeyword(part); ok {
			v, err := parseValue(val)
			if err != nil {
				return args, err
			}
			args.Keyword[key] = v
			continue
		}
		if len(args.Keyword) > 0 {
			return args, fmt.Errorf("%w: positional argument after keyword argument", ErrBadArguments)
		}
		v, err := parseValue(part)
		if err != nil {
			return args, err
		}
		args.Positional = append(args.Positional, v)
	}
	return args, nil
}

func splitTopLevel(src string, quotes bool) ([]string, error) {
	var (
		parts []string
		depth int
		quote byte
		start int
	)
	for i := 0; i < len(src); i++ {
		ch := src[i]
		if quote != 0 {
			switch ch {
			case '\\':
				i++
			case quote:
				quote = 0
			}
			continue
		}
		switch ch {
		case '"', '\'':
			if quotes && opensString(src, 0, i) {
				quote = ch
			}
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, src[start:i])
				start = i + 1
			}
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("%w: unterminated string", ErrBadArguments)
	}
	return append(parts, src[start:]), nil
}

func splitKeyword(part string) (key, value string, ok bool) {
	i := strings.IndexByte(part, '=')
	if i <= 0 {
		return "", "", false
	}
	key = strings.TrimSpace(part[:i])
	for j := 0; j < len(key); j++ {
		if !isIdentByte(key[j]) {
			return "", "", false
		}
	}
	return key, strings.TrimSpace(part[i+1:]), true
}

func parseValue(s string) (Value, error) {
	if s == "" {
		return Value{}, fmt.Errorf("%w: missing value", ErrBadArguments)
	}
	if s[0] == '"' || s[0] == '\'' {
		return parseQuoted(s)
	}
	switch s {
	case "True", "true":
		return Value{Kind: KindBool, Bool: true}, nil
	case "False", "false":
		return Value{Kind: KindBool, Bool: false}, nil
	case "None", "null", "nil":
		return Value{Kind: KindNull}, nil
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return Value{Kind: KindNumber, Num: n, Str: s}, nil
	}
	// Models sometimes drop the quotes; take the bare text literally.
	return Value{Kind: KindString, Str: s}, nil
}

func parseQuoted(s string) (Value, error) {
	q := s[0]
	var sb strings.Builder
	for i := 1; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch == '\\' && i+1 < len(s):
			i++
			switch s[i] {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			default:
				sb.WriteByte(s[i])
			}
		case ch == q:
			if rest := strings.TrimSpace(s[i+1:]); rest != "" {
				// 'dog's toys': the outer quotes delimit, the inner one is text.
				if isIdentByte(s[i+1]) && s[len(s)-1] == q {
					return Value{Kind: KindString, Str: s[1 : len(s)-1]}, nil
				}
				return Value{}, fmt.Errorf("%w: unexpected %q after string", ErrBadArguments, rest)
			}
			return Value{Kind: KindString, Str: sb.String()}, nil
		default:
			sb.WriteByte(ch)
		}
	}
	return Value{}, fmt.Errorf("%w: unterminated string", ErrBadArguments)
}

func (a Args) lookup(pos int, name string) (Value, bool) {
	if v, ok := a.Keyword[name]; ok {
		return v, true
	}
	if pos >= 0 && pos < len(a.Positional) {
		return a.Positional[pos], true
	}
	return Value{}, false
}

func (a Args) String(pos int, name, def string) string {
	v, ok := a.lookup(pos, name)
	if !ok || v.Kind == KindNull {
		return def
	}
	switch v.Kind {
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindNumber:
		return v.Str
	}
	return v.Str
}

func (a Args) Int(pos int, name string, def int) int {
	v, ok := a.lookup(pos, name)
	if !ok {
		return def
	}
	switch v.Kind {
	case KindNumber:
		return int(v.Num)
	case KindString:
		if n, err := strconv.Atoi(strings.TrimFunc(v.Str, unicode.IsSpace)); err == nil {
			return n
		}
	}
	return def
}

func (a Args) Bool(pos int, name string, def bool) bool {
	v, ok := a.lookup(pos, name)
	if !ok {
		return def
	}
	switch v.Kind {
	case KindBool:
		return v.Bool
	case KindNumber:
		return v.Num != 0
	case KindString:
		if b, err := strconv.ParseBool(strings.ToLower(v.Str)); err == nil {
			return b
		}
	}
	return def
}
