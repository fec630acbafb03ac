package sgr

import (
	"testing"

	"github.com/gdamore/tcell/v2"
)

func TestTokenizeColorThenReset(t *testing.T) {
	c := NewCache()
	runs := c.Tokenize("\x1b[31mHello\x1b[0m World")
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d: %+v", len(runs), runs)
	}
	if runs[0].Text != "Hello" || runs[0].Style.FG != ColorRed {
		t.Fatalf("unexpected first run: %q %+v", runs[0].Text, runs[0].Style)
	}
	if runs[1].Text != " World" || runs[1].Style != c.Normal() {
		t.Fatalf("expected second run in the normal style, got %q %+v", runs[1].Text, runs[1].Style)
	}
}

func TestLookupIgnoresCodeOrder(t *testing.T) {
	c := NewCache()
	a := c.Lookup("1;31")
	b := c.Lookup("31;1")
	if a != b {
		t.Fatalf("expected identical style for reordered codes")
	}
	if a.Weight != WeightBold || a.FG != ColorRed {
		t.Fatalf("unexpected attributes: %+v", a)
	}
	runs := c.Tokenize("\x1b[31;1mx\x1b[1;31my")
	if len(runs) != 2 || runs[0].Style != a || runs[1].Style != a {
		t.Fatalf("tokenized runs should reuse the cached style: %+v", runs)
	}
}

func TestEmptyCodeListIsReset(t *testing.T) {
	c := NewCache()
	runs := c.Tokenize("\x1b[mplain")
	if len(runs) != 1 || runs[0].Style != c.Normal() {
		t.Fatalf("expected normal style for empty code list, got %+v", runs)
	}
}

func TestUnknownCodesIgnored(t *testing.T) {
	c := NewCache()
	runs := c.Tokenize("a\x1b[99;44mb\x1b[4;2mc")
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %+v", runs)
	}
	if s := runs[1].Style; s.BG != ColorBlue || s.FG != ColorUnset || s.Weight != WeightUnset {
		t.Fatalf("unexpected style for 99;44: %+v", s)
	}
	if s := runs[2].Style; !s.Underline || s.Weight != WeightLight || s.BG != ColorUnset {
		t.Fatalf("styles must not inherit from earlier runs: %+v", s)
	}
}

func TestStyleDoesNotStraddleSequences(t *testing.T) {
	c := NewCache()
	runs := c.Tokenize("\x1b[32m\x1b[33mwarn\n")
	if len(runs) != 1 || runs[0].Style.FG != ColorYellow || runs[0].Text != "warn\n" {
		t.Fatalf("unexpected runs: %+v", runs)
	}
}

func TestNonSGRSequenceKeepsStyle(t *testing.T) {
	c := NewCache()
	runs := c.Tokenize("\x1b[36mab\x1b[2Kcd")
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %+v", runs)
	}
	if runs[1].Text != "cd" || runs[1].Style.FG != ColorCyan {
		t.Fatalf("erase-line sequence should be dropped without a style change: %+v", runs[1])
	}
}

func TestStrip(t *testing.T) {
	if got := Strip("\x1b[1;32mok\x1b[0m done"); got != "ok done" {
		t.Fatalf("Strip mismatch: %q", got)
	}
	if got := Strip("plain"); got != "plain" {
		t.Fatalf("Strip changed plain text: %q", got)
	}
}

func TestLenCountsDistinctStyles(t *testing.T) {
	c := NewCache()
	if c.Len() != 1 {
		t.Fatalf("expected only the normal style, got %d", c.Len())
	}
	c.Lookup("0")
	c.Lookup("31")
	c.Lookup("31")
	if c.Len() != 2 {
		t.Fatalf("expected 2 distinct styles, got %d", c.Len())
	}
}

func TestTcellConversion(t *testing.T) {
	c := NewCache()
	st := c.Lookup("1;4;34;41").Tcell()
	fg, bg, attrs := st.Decompose()
	if fg != tcell.PaletteColor(4) || bg != tcell.PaletteColor(1) {
		t.Fatalf("unexpected colours fg=%v bg=%v", fg, bg)
	}
	if attrs&tcell.AttrBold == 0 {
		t.Fatalf("expected bold, got %v", attrs)
	}
}
