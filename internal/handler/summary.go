package handler

import "time"

// Summary describes one channel over a time window.
type Summary struct {
	Channel string
	Count   int
	Min     float64
	Max     float64
	Mean    float64
	Start   time.Time
	End     time.Time
}

// Window accumulates a Summary and closes it once Interval has passed
// since its first value.
type Window struct {
	Channel  string
	Interval time.Duration

	cur Summary
	sum float64
}

// Add records v taken at t. When t closes the window, the finished summary
// is returned and v starts the next one.
func (w *Window) Add(t time.Time, v float64) (Summary, bool) {
	var done Summary
	closed := false
	if w.cur.Count > 0 && t.Sub(w.cur.Start) >= w.Interval {
		done, closed = w.finish(), true
	}

	if w.cur.Count == 0 {
		w.cur = Summary{Channel: w.Channel, Min: v, Max: v, Start: t}
		w.sum = 0
	}
	w.cur.Count++
	w.sum += v
	w.cur.End = t
	if v < w.cur.Min {
		w.cur.Min = v
	}
	if v > w.cur.Max {
		w.cur.Max = v
	}
	return done, closed
}

func (w *Window) finish() Summary {
	s := w.cur
	s.Mean = w.sum / float64(s.Count)
	w.cur = Summary{}
	return s
}

// Flush returns the open window, if any.
func (w *Window) Flush() (Summary, bool) {
	if w.cur.Count == 0 {
		return Summary{}, false
	}
	return w.finish(), true
}
