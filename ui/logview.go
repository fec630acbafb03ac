package ui

import (
	"strings"

	"procsheriff/sgr"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// segment is a piece of one display line in a single style.
type segment struct {
	style tcell.Style
	text  string
}

// splitLines breaks styled runs into display lines. A trailing fragment
// with no newline is its own line; a trailing newline does not open an
// empty one.
func splitLines(runs []sgr.Run) [][]segment {
	var (
		lines [][]segment
		cur   []segment
	)
	for _, run := range runs {
		style := run.Style.Tcell()
		text := run.Text
		for {
			idx := strings.IndexByte(text, '\n')
			if idx < 0 {
				if text != "" {
					cur = append(cur, segment{style: style, text: text})
				}
				break
			}
			if idx > 0 {
				cur = append(cur, segment{style: style, text: text[:idx]})
			}
			lines = append(lines, cur)
			cur = nil
			text = text[idx+1:]
		}
	}
	if cur != nil {
		lines = append(lines, cur)
	}
	return lines
}

// logView draws one subject's styled log. Content is replaced wholesale
// from console snapshots; only visible rows are drawn. UI goroutine only.
type logView struct {
	*tview.Box

	lines   [][]segment
	scratch []sgr.Run
	seq     uint64
	subject string

	offset int
	follow bool

	baseTitle string
}

func newLogView(title string) *logView {
	v := &logView{
		Box:       tview.NewBox().SetBorder(true),
		follow:    true,
		baseTitle: title,
	}
	applyFocusBoxStyle(v.Box, title, false)
	return v
}

func (v *logView) SetFocused(focused bool) {
	applyFocusBoxStyle(v.Box, v.baseTitle, focused)
}

// SetTitleText changes the base title shown in the border.
func (v *logView) SetTitleText(title string) {
	v.baseTitle = title
	applyFocusBoxStyle(v.Box, title, v.HasFocus())
}

// load replaces the content when the subject or sequence changed. It
// returns whether anything was rebuilt.
func (v *logView) load(subject string, seq uint64, runs []sgr.Run) bool {
	if subject == v.subject && seq == v.seq && v.lines != nil {
		return false
	}
	if subject != v.subject {
		v.offset = 0
		v.follow = true
	}
	v.subject = subject
	v.seq = seq
	v.lines = splitLines(runs)
	if v.lines == nil {
		v.lines = [][]segment{}
	}
	return true
}

func (v *logView) Draw(screen tcell.Screen) {
	v.Box.DrawForSubclass(screen, v)

	x, y, width, height := v.GetInnerRect()
	if width <= 0 || height <= 0 {
		return
	}
	start, end := v.visible(height)
	bg := v.GetBackgroundColor()
	for i := start; i < end; i++ {
		drawSegments(screen, x, y+i-start, width, v.lines[i], bg)
	}
}

// visible clamps the scroll offset and returns the line range to draw.
func (v *logView) visible(height int) (int, int) {
	maxOffset := len(v.lines) - height
	if maxOffset < 0 {
		maxOffset = 0
	}
	if v.follow {
		v.offset = maxOffset
	}
	if v.offset > maxOffset {
		v.offset = maxOffset
	}
	if v.offset < 0 {
		v.offset = 0
	}
	end := v.offset + height
	if end > len(v.lines) {
		end = len(v.lines)
	}
	return v.offset, end
}

func (v *logView) HandleScroll(event *tcell.EventKey) bool {
	if event == nil {
		return false
	}
	_, _, _, height := v.GetInnerRect()
	if height < 1 {
		height = 1
	}
	page := height - 1
	if page < 1 {
		page = 1
	}
	maxOffset := len(v.lines) - height
	if maxOffset < 0 {
		maxOffset = 0
	}

	next := v.offset
	switch event.Key() {
	case tcell.KeyUp:
		next--
	case tcell.KeyDown:
		next++
	case tcell.KeyPgUp:
		next -= page
	case tcell.KeyPgDn:
		next += page
	case tcell.KeyHome:
		next = 0
	case tcell.KeyEnd:
		next = maxOffset
	case tcell.KeyRune:
		switch event.Rune() {
		case 'k':
			next--
		case 'j':
			next++
		default:
			return false
		}
	default:
		return false
	}
	if next < 0 {
		next = 0
	}
	if next > maxOffset {
		next = maxOffset
	}
	v.offset = next
	v.follow = next == maxOffset
	return true
}

// plainLines returns the content without styling, for tests.
func (v *logView) plainLines() []string {
	out := make([]string, 0, len(v.lines))
	for _, line := range v.lines {
		var b strings.Builder
		for _, seg := range line {
			b.WriteString(seg.text)
		}
		out = append(out, b.String())
	}
	return out
}

func drawSegments(screen tcell.Screen, x, y, width int, line []segment, bg tcell.Color) {
	col := 0
	screen.SetContent(x, y, ' ', nil, tcell.StyleDefault.Background(bg))
	col++
	for _, seg := range line {
		style := seg.style
		if _, segBG, _ := style.Decompose(); segBG == tcell.ColorDefault {
			style = style.Background(bg)
		}
		for _, r := range seg.text {
			if col >= width {
				return
			}
			switch r {
			case '\r':
				continue
			case '\t':
				r = ' '
			}
			screen.SetContent(x+col, y, r, nil, style)
			col++
		}
	}
}

func applyFocusBoxStyle(box *tview.Box, title string, focused bool) {
	if box == nil {
		return
	}
	if focused {
		box.SetBorderColor(uiTitleColor)
		box.SetTitle(accentText("> " + title))
	} else {
		box.SetBorderColor(uiBorderColor)
		box.SetTitle(accentText(title))
	}
	box.SetTitleAlign(tview.AlignLeft)
	box.SetTitleColor(uiTitleColor)
}
