// Package sgr splits terminal output into runs of text that share one set
// of Select Graphic Rendition attributes.
//
// Styles are interned: every distinct code set maps to one *Style for the
// life of a Cache, so renderers may compare styles by pointer.
package sgr

import (
	"sort"
	"strconv"
	"strings"

	"github.com/gdamore/tcell/v2"
)

// Introducer starts every control sequence the tokenizer understands.
const Introducer = "\x1b["

const normalKey = "normal"

// Color is one entry of the eight-colour ANSI palette, or ColorUnset.
type Color int8

const (
	ColorUnset Color = iota
	ColorBlack
	ColorRed
	ColorGreen
	ColorYellow
	ColorBlue
	ColorMagenta
	ColorCyan
	ColorWhite
)

var colorNames = [...]string{"", "black", "red", "green", "yellow", "blue", "magenta", "cyan", "white"}

func (c Color) String() string {
	if c < 0 || int(c) >= len(colorNames) {
		return ""
	}
	return colorNames[c]
}

// Weight is the font weight attribute.
type Weight int8

const (
	WeightUnset Weight = iota
	WeightBold
	WeightLight
)

// Style is the attribute set selected by one escape sequence. Attributes
// not named by the sequence stay unset; styles never inherit.
type Style struct {
	Key       string
	Weight    Weight
	Underline bool
	FG        Color
	BG        Color
}

// Tcell converts the style for drawing on a tcell screen.
func (s *Style) Tcell() tcell.Style {
	st := tcell.StyleDefault
	if s == nil {
		return st
	}
	switch s.Weight {
	case WeightBold:
		st = st.Bold(true)
	case WeightLight:
		st = st.Dim(true)
	}
	if s.Underline {
		st = st.Underline(true)
	}
	if s.FG != ColorUnset {
		st = st.Foreground(tcell.PaletteColor(int(s.FG - ColorBlack)))
	}
	if s.BG != ColorUnset {
		st = st.Background(tcell.PaletteColor(int(s.BG - ColorBlack)))
	}
	return st
}

// Run is a piece of text drawn in a single style.
type Run struct {
	Style *Style
	Text  string
}

// Cache interns styles by canonical code key. It is not safe for
// concurrent mutation; Tokenize must be called from one goroutine.
type Cache struct {
	styles map[string]*Style
	normal *Style
}

// NewCache returns a cache holding only the normal style.
func NewCache() *Cache {
	normal := &Style{Key: normalKey}
	return &Cache{
		styles: map[string]*Style{normalKey: normal, "0": normal},
		normal: normal,
	}
}

// Normal is the style of text that precedes any escape sequence.
func (c *Cache) Normal() *Style {
	return c.normal
}

// Len reports how many distinct styles have been interned.
func (c *Cache) Len() int {
	seen := make(map[*Style]struct{}, len(c.styles))
	for _, s := range c.styles {
		seen[s] = struct{}{}
	}
	return len(seen)
}

// Lookup returns the style for a semicolon separated code list. Code order
// is irrelevant and an empty list means "0".
func (c *Cache) Lookup(codes string) *Style {
	if codes == "" {
		codes = "0"
	}
	parts := strings.Split(codes, ";")
	sort.Strings(parts)
	key := strings.Join(parts, ";")
	if s, ok := c.styles[key]; ok {
		return s
	}
	s := &Style{Key: key}
	for _, code := range parts {
		applyCode(s, code)
	}
	c.styles[key] = s
	return s
}

// Tokenize splits text into styled runs. Text before the first escape uses
// the normal style. Control sequences other than SGR are removed and leave
// the current style in place. Empty runs are omitted.
func (c *Cache) Tokenize(text string) []Run {
	if text == "" {
		return nil
	}
	segs := strings.Split(text, Introducer)
	runs := make([]Run, 0, len(segs))
	style := c.normal
	for i, seg := range segs {
		if i > 0 {
			params, final, rest := splitSequence(seg)
			if final == 'm' {
				style = c.Lookup(params)
			}
			seg = rest
		}
		if seg == "" {
			continue
		}
		runs = append(runs, Run{Style: style, Text: seg})
	}
	return runs
}

// Strip removes every control sequence and returns the plain text.
func Strip(text string) string {
	if !strings.Contains(text, Introducer) {
		return text
	}
	segs := strings.Split(text, Introducer)
	var b strings.Builder
	b.Grow(len(text))
	b.WriteString(segs[0])
	for _, seg := range segs[1:] {
		_, _, rest := splitSequence(seg)
		b.WriteString(rest)
	}
	return b.String()
}

// PlainText concatenates the text of runs.
func PlainText(runs []Run) string {
	var b strings.Builder
	for _, r := range runs {
		b.WriteString(r.Text)
	}
	return b.String()
}

// splitSequence separates the parameter bytes and final byte of a control
// sequence from the text that follows it. A segment with no final byte is
// treated as a truncated sequence and yields no text.
func splitSequence(seg string) (params string, final byte, rest string) {
	for i := 0; i < len(seg); i++ {
		ch := seg[i]
		if ch >= 0x20 && ch <= 0x3f {
			continue
		}
		if ch >= 0x40 && ch <= 0x7e {
			return seg[:i], ch, seg[i+1:]
		}
		// Not a CSI we understand; keep the bytes as text.
		return "", 0, seg
	}
	return seg, 0, ""
}

func applyCode(s *Style, code string) {
	n, err := strconv.Atoi(code)
	if err != nil {
		return
	}
	switch {
	case n == 1:
		s.Weight = WeightBold
	case n == 2:
		s.Weight = WeightLight
	case n == 4:
		s.Underline = true
	case n >= 30 && n <= 37:
		s.FG = ColorBlack + Color(n-30)
	case n >= 40 && n <= 47:
		s.BG = ColorBlack + Color(n-40)
	}
}
