// Package format turns composer markdown into Telegram text plus message entities.
package format

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf16"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Rendered is plain text with the entities that style it.
// Offsets and lengths are in UTF-16 code units, as Telegram expects.
type Rendered struct {
	Text     string
	Entities []tgbotapi.MessageEntity
}

// UTF16Len is the length of s in UTF-16 code units.
func UTF16Len(s string) int {
	n := 0
	for _, r := range s {
		n += utf16.RuneLen(r)
	}
	return n
}

// Telegram renders a small markdown subset:
//
//	# Header       -> bold line
//	**b** / __b__  -> bold
//	*i* / _i_      -> italic
//	`code`         -> code
//	[text](url)    -> text_link
//
// Markers without a closing partner on the same line are kept literally.
func Telegram(markdown string) Rendered {
	w := &writer{}
	lines := strings.Split(strings.ReplaceAll(markdown, "\r\n", "\n"), "\n")
	for i, line := range lines {
		if i > 0 {
			w.text("\n")
		}
		w.line(line)
	}

	sort.SliceStable(w.entities, func(i, j int) bool {
		return w.entities[i].Offset < w.entities[j].Offset
	})

	text := strings.TrimRightFunc(w.b.String(), unicode.IsSpace)
	limit := UTF16Len(text)
	entities := w.entities[:0]
	for _, e := range w.entities {
		if e.Offset >= limit {
			continue
		}
		if e.Offset+e.Length > limit {
			e.Length = limit - e.Offset
		}
		entities = append(entities, e)
	}
	return Rendered{Text: text, Entities: entities}
}

type writer struct {
	b        strings.Builder
	pos      int // UTF-16 offset of the next rune
	entities []tgbotapi.MessageEntity
}

func (w *writer) text(s string) {
	w.b.WriteString(s)
	w.pos += UTF16Len(s)
}

func (w *writer) entity(kind string, start int, url string) {
	if w.pos > start {
		w.entities = append(w.entities, tgbotapi.MessageEntity{Type: kind, Offset: start, Length: w.pos - start, URL: url})
	}
}

func (w *writer) line(line string) {
	if title, ok := header(line); ok {
		start := w.pos
		w.inline(title)
		w.entity("bold", start, "")
		return
	}
	w.inline(line)
}

func header(line string) (string, bool) {
	hashes := 0
	for hashes < len(line) && hashes < 6 && line[hashes] == '#' {
		hashes++
	}
	if hashes == 0 || hashes >= len(line) || line[hashes] != ' ' {
		return "", false
	}
	return strings.TrimSpace(line[hashes:]), true
}

// inline styles one line. open maps a marker to the offset where it started.
func (w *writer) inline(s string) {
	open := map[string]int{}

	for i := 0; i < len(s); {
		rest := s[i:]

		switch {
		case rest[0] == '`':
			if end := strings.IndexByte(rest[1:], '`'); end > 0 {
				start := w.pos
				w.text(rest[1 : end+1])
				w.entity("code", start, "")
				i += end + 2
				continue
			}

		case rest[0] == '[':
			if label, url, n, ok := link(rest); ok {
				start := w.pos
				w.text(label)
				w.entity("text_link", start, url)
				i += n
				continue
			}

		case strings.HasPrefix(rest, "**") || strings.HasPrefix(rest, "__"):
			if w.toggle(open, rest[:2], "bold", s, i) {
				i += 2
				continue
			}

		case rest[0] == '*' || rest[0] == '_':
			if w.toggle(open, rest[:1], "italic", s, i) {
				i++
				continue
			}
		}

		r, size := utf8.DecodeRuneInString(rest)
		w.text(string(r))
		i += size
	}
}

// toggle opens or closes a style marker at s[i]. It reports whether the
// marker was consumed; unmatched markers are written as text by the caller.
func (w *writer) toggle(open map[string]int, marker, kind, s string, i int) bool {
	if start, ok := open[marker]; ok {
		delete(open, marker)
		w.entity(kind, start, "")
		return true
	}

	after := s[i+len(marker):]
	if after == "" || after[0] == ' ' {
		return false
	}
	// Underscores inside identifiers are not emphasis.
	if marker[0] == '_' && i > 0 && isWordByte(s[i-1]) {
		return false
	}
	if !strings.Contains(after, marker) {
		return false
	}
	open[marker] = w.pos
	return true
}

func isWordByte(b byte) bool {
	return b == '_' || b >= '0' && b <= '9' || b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z'
}

// link parses "[label](url)" at the start of s.
func link(s string) (label, url string, n int, ok bool) {
	closeLabel := strings.Index(s, "](")
	if closeLabel < 1 {
		return "", "", 0, false
	}
	closeURL := strings.IndexByte(s[closeLabel+2:], ')')
	if closeURL < 1 {
		return "", "", 0, false
	}
	label = s[1:closeLabel]
	url = s[closeLabel+2 : closeLabel+2+closeURL]
	if strings.ContainsAny(label, "[]") || strings.ContainsAny(url, " \t") {
		return "", "", 0, false
	}
	return label, url, closeLabel + 2 + closeURL + 1, true
}
