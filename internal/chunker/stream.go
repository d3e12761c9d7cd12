package chunker

import (
	"context"
	"strings"
)

// Editor is the message surface a Stream renders into. Handles are opaque
// message identifiers returned by Send.
type Editor interface {
	Send(ctx context.Context, text string) (handle string, err error)
	Edit(ctx context.Context, handle, text string) error
}

// Deleter is implemented by editors that can retract a message.
type Deleter interface {
	Delete(ctx context.Context, handle string) error
}

// Stream folds reply fragments into a growing chat message. Output is only
// rendered on complete lines. When the open message would exceed the limit
// it is finalised and a new one started; an open code fence is closed on the
// finalised message and reopened with the same language on the next.
type Stream struct {
	editor Editor
	max    int

	full    strings.Builder
	pending string

	cur      strings.Builder
	curLen   int
	base     int // length of the reopened fence header at the start of cur
	inCode   bool
	lang     string
	handles  []string
	texts    []string
	open     int // index into handles of the open message, -1 before it is sent
	rendered string
}

func NewStream(editor Editor, maxLength int) *Stream {
	return &Stream{editor: editor, max: maxLength, open: -1}
}

func (s *Stream) Write(ctx context.Context, fragment string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.full.WriteString(fragment)
	s.pending += fragment

	idx := strings.LastIndexByte(s.pending, '\n')
	if idx < 0 {
		return nil
	}
	complete := s.pending[:idx+1]
	s.pending = s.pending[idx+1:]
	for _, line := range strings.SplitAfter(complete, "\n") {
		if line == "" {
			continue
		}
		if err := s.addLine(ctx, line); err != nil {
			return err
		}
	}
	return s.render(ctx)
}

// Close flushes the unfinished last line and returns the whole reply text.
func (s *Stream) Close(ctx context.Context) (string, error) {
	if s.pending != "" {
		line := s.pending
		s.pending = ""
		if err := s.addLine(ctx, line); err != nil {
			return s.full.String(), err
		}
	}
	return s.full.String(), s.render(ctx)
}

func (s *Stream) Handles() []string {
	return append([]string(nil), s.handles...)
}

// Messages returns the text currently shown in each delivered message.
func (s *Stream) Messages() []string {
	return append([]string(nil), s.texts...)
}

// Replace rewrites the already delivered messages with chunks, sending extra
// messages or retracting surplus ones as needed.
func (s *Stream) Replace(ctx context.Context, chunks []string) error {
	for i, c := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if i < len(s.handles) {
			if err := s.editor.Edit(ctx, s.handles[i], c); err != nil {
				return err
			}
			s.texts[i] = c
			continue
		}
		h, err := s.editor.Send(ctx, c)
		if err != nil {
			return err
		}
		s.handles = append(s.handles, h)
		s.texts = append(s.texts, c)
	}
	if len(s.handles) > len(chunks) {
		if d, ok := s.editor.(Deleter); ok {
			for _, h := range s.handles[len(chunks):] {
				if err := d.Delete(ctx, h); err != nil {
					return err
				}
			}
			s.handles = s.handles[:len(chunks)]
			s.texts = s.texts[:len(chunks)]
		}
	}
	s.open = len(s.handles) - 1
	return nil
}

func (s *Stream) addLine(ctx context.Context, line string) error {
	// Room for a closing fence is always kept.
	overhead := len(fence) + 1
	n := runeLen(line)
	if s.curLen+n+overhead <= s.max {
		s.append(line)
		return nil
	}
	if s.curLen > s.base && s.reopenLen()+n+overhead <= s.max {
		if err := s.finalize(ctx); err != nil {
			return err
		}
		s.append(line)
		return nil
	}

	// The line fits no message whole: fill this one and carry the rest.
	room := s.max - overhead - s.curLen - 1
	if room < 1 {
		if s.curLen > s.base {
			if err := s.finalize(ctx); err != nil {
				return err
			}
			return s.addLine(ctx, line)
		}
		room = 1
	}
	body := []rune(strings.TrimSuffix(line, "\n"))
	if len(body) < 2 {
		s.append(line)
		return nil
	}
	if room >= len(body) {
		room = len(body) - 1
	}
	s.append(string(body[:room]) + "\n")
	rest := string(body[room:])
	if strings.HasSuffix(line, "\n") {
		rest += "\n"
	}
	return s.addLine(ctx, rest)
}

func (s *Stream) append(line string) {
	s.cur.WriteString(line)
	s.curLen += runeLen(line)
	s.track(line)
}

// reopenLen is the length a new message starts with: the reopened fence
// header when a code block is open.
func (s *Stream) reopenLen() int {
	if !s.inCode {
		return 0
	}
	return runeLen(fence + s.lang + "\n")
}

// finalize renders the open message one last time and starts a new one.
func (s *Stream) finalize(ctx context.Context) error {
	if err := s.render(ctx); err != nil {
		return err
	}
	s.cur.Reset()
	s.curLen = 0
	s.base = 0
	s.rendered = ""
	s.open = -1
	if s.inCode {
		header := fence + s.lang + "\n"
		s.cur.WriteString(header)
		s.curLen = runeLen(header)
		s.base = s.curLen
	}
	return nil
}

func (s *Stream) track(line string) {
	rest := line
	for {
		i := strings.Index(rest, fence)
		if i < 0 {
			return
		}
		rest = rest[i+len(fence):]
		s.inCode = !s.inCode
		if s.inCode {
			j := 0
			for j < len(rest) && isLangByte(rest[j]) {
				j++
			}
			s.lang = rest[:j]
		}
	}
}

func (s *Stream) render(ctx context.Context) error {
	text := strings.TrimRight(s.cur.String(), " \t\r\n")
	if s.inCode {
		text += "\n" + fence
	}
	if strings.TrimSpace(text) == "" || text == s.rendered {
		return nil
	}

	if s.open < 0 {
		h, err := s.editor.Send(ctx, text)
		if err != nil {
			return err
		}
		s.handles = append(s.handles, h)
		s.texts = append(s.texts, text)
		s.open = len(s.handles) - 1
	} else {
		if err := s.editor.Edit(ctx, s.handles[s.open], text); err != nil {
			return err
		}
		s.texts[s.open] = text
	}
	s.rendered = text
	return nil
}
