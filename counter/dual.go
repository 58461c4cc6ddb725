package counter

// DualWidth is the width of each side of a Dual counter.
const DualWidth = 3

// DualMax is the largest count on either side of a Dual counter.
const DualMax = 1<<DualWidth - 1

// Confidence levels of a Dual counter.
const (
	LowConfidence    = 0
	MediumConfidence = 1
	HighConfidence   = 2
)

// Dual counts taken and not-taken outcomes separately. The difference of the
// two sides is the prediction and their imbalance is the confidence.
type Dual struct {
	notTaken uint8
	taken    uint8
}

// NewDual creates a Dual counter with the given counts, clamped into range.
func NewDual(notTaken, taken uint8) Dual {
	return Dual{notTaken: min(notTaken, DualMax), taken: min(taken, DualMax)}
}

// NotTaken returns the not-taken count.
func (d Dual) NotTaken() uint8 { return d.notTaken }

// Taken returns the taken count.
func (d Dual) Taken() uint8 { return d.taken }

// Prediction returns taken minus not-taken. Positive values predict taken
// and zero means no opinion.
func (d Dual) Prediction() int {
	return int(d.taken) - int(d.notTaken)
}

func (d Dual) ratio() (num, den int) {
	num = 1 + int(min(d.notTaken, d.taken))
	den = 2 + int(d.notTaken) + int(d.taken)

	return num, den
}

// ConfidenceLevel compares the minority side against the total, after
// adding one to each side. Below a third is HighConfidence, exactly a third
// is MediumConfidence.
func (d Dual) ConfidenceLevel() int {
	num, den := d.ratio()

	conf := den - 3*num
	switch {
	case conf > 0:
		return HighConfidence
	case conf == 0:
		return MediumConfidence
	default:
		return LowConfidence
	}
}

// IsExcessivelyConfident tells whether the minority side, after adding one
// to each side, is less than a sixth of the total.
func (d Dual) IsExcessivelyConfident() bool {
	num, den := d.ratio()
	return 6*num < den
}

// Update records an outcome. When the matching side is saturated the
// opposite side is decremented instead.
func (d *Dual) Update(taken bool) {
	same, other := &d.notTaken, &d.taken
	if taken {
		same, other = &d.taken, &d.notTaken
	}

	switch {
	case *same < DualMax:
		*same++
	case *other > 0:
		*other--
	}
}

// Decay moves the majority side one step towards the minority side.
func (d *Dual) Decay() {
	if d.taken > d.notTaken {
		d.taken--
	}

	if d.notTaken > d.taken {
		d.notTaken--
	}
}
