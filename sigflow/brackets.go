package sigflow

// Brackets are the protective price levels attached to an entry.
type Brackets struct {
	TakeProfit float64
	StopLoss   float64
}

// RepairBrackets fixes bracket levels that sit on the wrong side of the entry
// price, or are missing entirely. A long needs TP above entry and SL below;
// a short needs the mirror. Broken legs are replaced independently with a 1%
// offset from entry so a bad TP never discards a usable SL.
func RepairBrackets(side Side, entry float64, b Brackets) Brackets {
	if side.IsLong() {
		if b.TakeProfit <= entry {
			b.TakeProfit = entry * 1.01
		}
		if b.StopLoss >= entry || b.StopLoss <= 0 {
			b.StopLoss = entry * 0.99
		}
		return b
	}
	if b.TakeProfit >= entry || b.TakeProfit <= 0 {
		b.TakeProfit = entry * 0.99
	}
	if b.StopLoss <= entry {
		b.StopLoss = entry * 1.01
	}
	return b
}
