package chunker

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const fence = "```"

// Split breaks text into messages of at most maxLength characters. Fenced
// code blocks are split between lines and every piece is re-fenced with the
// block's language tag; prose is split between sentences. A sentence or code
// line longer than the limit is cut at whitespace, or hard at the limit when
// it has none. Text within the limit comes back unchanged.
func Split(text string, maxLength int) []string {
	if maxLength <= 0 || runeLen(text) <= maxLength {
		return []string{text}
	}

	var pieces []string
	if !strings.Contains(text, fence) {
		pieces = splitProse(text, maxLength)
	} else {
		for _, seg := range segments(text) {
			if seg.code {
				pieces = append(pieces, splitCode(seg, maxLength)...)
			} else {
				pieces = append(pieces, splitProse(seg.text, maxLength)...)
			}
		}
	}

	out := make([]string, 0, len(pieces))
	for _, p := range pieces {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

type segment struct {
	code bool
	text string // prose only
	lang string
	body string
}

// segments cuts text into alternating prose and code parts. An opening fence
// without a closing one runs to the end of the text.
func segments(text string) []segment {
	var out []segment
	rest := text
	for rest != "" {
		i := strings.Index(rest, fence)
		if i < 0 {
			out = append(out, segment{text: rest})
			break
		}
		if i > 0 {
			out = append(out, segment{text: rest[:i]})
		}
		after := rest[i+len(fence):]

		lang, body := "", after
		j := 0
		for j < len(after) && isLangByte(after[j]) {
			j++
		}
		if j < len(after) && after[j] == '\n' {
			lang, body = after[:j], after[j+1:]
		}

		end := strings.Index(body, fence)
		if end < 0 {
			out = append(out, segment{code: true, lang: lang, body: body})
			break
		}
		out = append(out, segment{code: true, lang: lang, body: body[:end]})
		rest = body[end+len(fence):]
	}
	return out
}

func isLangByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9' || b == '+' || b == '-' || b == '_' || b == '#' || b == '.'
}

func splitCode(seg segment, maxLength int) []string {
	body := strings.TrimSuffix(seg.body, "\n")
	if strings.TrimSpace(body) == "" {
		return nil
	}
	header := fence + seg.lang + "\n"
	const closing = "\n" + fence
	budget := maxLength - runeLen(header) - runeLen(closing)
	if budget < 1 {
		budget = 1
	}

	var (
		out    []string
		cur    []string
		curLen int
	)
	flush := func() {
		if len(cur) == 0 {
			return
		}
		out = append(out, header+strings.Join(cur, "\n")+closing)
		cur, curLen = nil, 0
	}

	for _, line := range strings.Split(body, "\n") {
		n := runeLen(line)
		if n > budget {
			flush()
			for _, part := range hardSplit(line, budget) {
				out = append(out, header+part+closing)
			}
			continue
		}
		sep := 0
		if len(cur) > 0 {
			sep = 1
		}
		if curLen+sep+n > budget {
			flush()
			sep = 0
		}
		cur = append(cur, line)
		curLen += sep + n
	}
	flush()
	return out
}

func splitProse(text string, maxLength int) []string {
	if runeLen(strings.TrimSpace(text)) <= maxLength {
		return []string{text}
	}

	var (
		out []string
		cur strings.Builder
	)
	curLen := 0
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
			curLen = 0
		}
	}

	for _, s := range sentences(text) {
		n := runeLen(s)
		if runeLen(strings.TrimSpace(s)) > maxLength {
			flush()
			out = append(out, hardSplit(s, maxLength)...)
			continue
		}
		if curLen+n > maxLength {
			flush()
		}
		cur.WriteString(s)
		curLen += n
	}
	flush()
	return out
}

// sentences splits after '.', '!' or '?' followed by whitespace. Each
// sentence keeps its trailing whitespace so the parts concatenate back to
// text.
func sentences(text string) []string {
	var out []string
	start := 0
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		j := i + 1
		for j < len(runes) && unicode.IsSpace(runes[j]) {
			j++
		}
		if j == i+1 {
			continue
		}
		out = append(out, string(runes[start:j]))
		start = j
		i = j - 1
	}
	if start < len(runes) {
		out = append(out, string(runes[start:]))
	}
	return out
}

// hardSplit cuts s into parts of at most n runes, preferring the last
// whitespace inside each window.
func hardSplit(s string, n int) []string {
	var out []string
	runes := []rune(strings.TrimSpace(s))
	for len(runes) > n {
		cut := n
		for k := n; k > n/2; k-- {
			if unicode.IsSpace(runes[k]) {
				cut = k
				break
			}
		}
		out = append(out, strings.TrimSpace(string(runes[:cut])))
		runes = []rune(strings.TrimLeftFunc(string(runes[cut:]), unicode.IsSpace))
	}
	if len(runes) > 0 {
		out = append(out, string(runes))
	}
	return out
}

func runeLen(s string) int { return utf8.RuneCountInString(s) }
