package payments

// Window is an inclusive block range.
type Window struct {
	From uint64
	To   uint64
}

func (w Window) Len() uint64 {
	return w.To - w.From + 1
}

// ComputeWindow returns the scan window ending confirmDelay blocks behind head
// and starting lookback blocks before that. When the previous run ended at
// last and the window would leave blocks unscanned, the start is pulled back
// to last+1, by at most maxCatchup extra blocks. gap is the number of blocks
// that remain unscanned. ok is false while the chain is shorter than confirmDelay.
func ComputeWindow(head, confirmDelay, lookback, last, maxCatchup uint64) (w Window, gap uint64, ok bool) {
	if head < confirmDelay {
		return Window{}, 0, false
	}
	to := head - confirmDelay
	from := uint64(0)
	if to > lookback {
		from = to - lookback
	}

	if last > 0 && last+1 < from {
		floor := uint64(0)
		if from > maxCatchup {
			floor = from - maxCatchup
		}
		from = max(last+1, floor)
		gap = from - (last + 1)
	}
	return Window{From: from, To: to}, gap, true
}
