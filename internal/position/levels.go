package position

// StopLossFromROE converts a stop expressed as percent return-on-margin into
// an absolute price. Leverage divides the price move needed for the same ROE.
func StopLossFromROE(entry, roePercent float64, leverage int, dir Direction) float64 {
	move := roeMove(entry, roePercent, leverage)
	if dir == Long {
		return entry - move
	}
	return entry + move
}

// TakeProfitFromROE converts a target expressed as percent return-on-margin
// into an absolute price.
func TakeProfitFromROE(entry, roePercent float64, leverage int, dir Direction) float64 {
	move := roeMove(entry, roePercent, leverage)
	if dir == Long {
		return entry + move
	}
	return entry - move
}

func roeMove(entry, roePercent float64, leverage int) float64 {
	if leverage < 1 {
		leverage = 1
	}
	return entry * roePercent / 100 / float64(leverage)
}
