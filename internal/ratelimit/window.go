package ratelimit

const (
	// DefaultBudget is the byte budget shared by all buckets of a window.
	DefaultBudget = 10000
	// DefaultBuckets is the number of rotation ticks a window remembers.
	DefaultBuckets = 6
)

// Window is a fixed-budget sliding window over the last N rotation ticks.
// Each bucket holds the bytes admitted during one tick; the budget frees up
// only when a bucket rotates out.
type Window struct {
	buckets []int
	newest  int
	kept    int
	dropped int
}

// NewWindow allocates a window with n buckets (DefaultBuckets when n <= 0).
func NewWindow(n int) *Window {
	if n <= 0 {
		n = DefaultBuckets
	}
	return &Window{buckets: make([]int, n), newest: n - 1}
}

// Kept reports the bytes admitted across all buckets.
func (w *Window) Kept() int {
	if w == nil {
		return 0
	}
	return w.kept
}

// Dropped reports the bytes refused since the last rotation.
func (w *Window) Dropped() int {
	if w == nil {
		return 0
	}
	return w.dropped
}

// Admit charges up to n bytes against budget and returns how many of them
// fit. The remainder is counted as dropped.
func (w *Window) Admit(n, budget int) int {
	if w == nil || n <= 0 {
		return 0
	}
	if w.kept >= budget {
		w.dropped += n
		return 0
	}
	keep := budget - w.kept
	if n < keep {
		keep = n
	}
	w.buckets[w.newest] += keep
	w.kept += keep
	w.dropped += n - keep
	return keep
}

// Rotate discards the oldest bucket, opens an empty newest bucket and resets
// the drop counter. It returns the drop count accumulated before the reset.
func (w *Window) Rotate() int {
	if w == nil {
		return 0
	}
	oldest := (w.newest + 1) % len(w.buckets)
	w.kept -= w.buckets[oldest]
	w.buckets[oldest] = 0
	w.newest = oldest
	dropped := w.dropped
	w.dropped = 0
	return dropped
}

// DropReport names a key whose window refused bytes during the last tick.
type DropReport[K comparable] struct {
	Key     K
	Dropped int
}

// Limiter keeps one Window per key. It is not safe for concurrent use.
type Limiter[K comparable] struct {
	budget  int
	buckets int
	windows map[K]*Window
	order   []K
}

// NewLimiter creates a limiter; non-positive arguments take the defaults.
func NewLimiter[K comparable](budget, buckets int) *Limiter[K] {
	if budget <= 0 {
		budget = DefaultBudget
	}
	if buckets <= 0 {
		buckets = DefaultBuckets
	}
	return &Limiter[K]{
		budget:  budget,
		buckets: buckets,
		windows: make(map[K]*Window),
	}
}

// Admit returns the prefix of text that fits key's remaining budget and the
// number of bytes dropped. Nothing is kept once the budget is spent.
func (l *Limiter[K]) Admit(key K, text string) (string, int) {
	if l == nil || text == "" {
		return text, 0
	}
	w, ok := l.windows[key]
	if !ok {
		w = NewWindow(l.buckets)
		l.windows[key] = w
		l.order = append(l.order, key)
	}
	keep := w.Admit(len(text), l.budget)
	return text[:keep], len(text) - keep
}

// Rotate advances every window by one tick and reports, in first-seen key
// order, each key that dropped bytes since the previous tick.
func (l *Limiter[K]) Rotate() []DropReport[K] {
	if l == nil {
		return nil
	}
	var reports []DropReport[K]
	for _, key := range l.order {
		if dropped := l.windows[key].Rotate(); dropped > 0 {
			reports = append(reports, DropReport[K]{Key: key, Dropped: dropped})
		}
	}
	return reports
}

// Window returns the window for key, if one exists.
func (l *Limiter[K]) Window(key K) (*Window, bool) {
	if l == nil {
		return nil, false
	}
	w, ok := l.windows[key]
	return w, ok
}

// Forget drops key's window.
func (l *Limiter[K]) Forget(key K) {
	if l == nil {
		return
	}
	if _, ok := l.windows[key]; !ok {
		return
	}
	delete(l.windows, key)
	for i, k := range l.order {
		if k == key {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
}

// Len reports how many keys hold a window.
func (l *Limiter[K]) Len() int {
	if l == nil {
		return 0
	}
	return len(l.windows)
}
