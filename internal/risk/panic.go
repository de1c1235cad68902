package risk

const panicWindow = 10

// PanicDetector compares each price with the mean of the previous ten.
type PanicDetector struct {
	prices []float64
	active bool
}

func NewPanicDetector() *PanicDetector {
	return &PanicDetector{prices: make([]float64, 0, panicWindow)}
}

// Observe feeds a price and returns the change versus the recent mean (in
// percent) plus whether panic mode is active after this observation. Panic is
// entered when the drop reaches threshold (a negative percent) and left once
// the drop has recovered to less than half of it.
func (d *PanicDetector) Observe(price, threshold float64) (float64, bool) {
	change := 0.0
	if len(d.prices) == panicWindow {
		mean := 0.0
		for _, p := range d.prices {
			mean += p
		}
		mean /= float64(len(d.prices))
		if mean > 0 {
			change = (price - mean) / mean * 100
		}

		if !d.active && threshold < 0 && change <= threshold {
			d.active = true
		} else if d.active && change > threshold/2 {
			d.active = false
		}
	}

	if len(d.prices) == panicWindow {
		d.prices = d.prices[1:]
	}
	d.prices = append(d.prices, price)
	return change, d.active
}

// Active reports the current panic state.
func (d *PanicDetector) Active() bool {
	return d.active
}

// Reset clears the history, e.g. after the grid is regenerated.
func (d *PanicDetector) Reset() {
	d.prices = d.prices[:0]
	d.active = false
}
