package ticks

import (
	"math"

	"github.com/sigflow/sigflow/sigflow"
)

// DefaultTick is used for symbols the table knows nothing about.
const DefaultTick = 0.001

// defaultTickSizes cover the common perp symbols when venue metadata is
// unavailable or incomplete.
var defaultTickSizes = map[string]float64{
	"BTC":   1.0,
	"ETH":   0.1,
	"SOL":   0.01,
	"APT":   0.001,
	"ARB":   0.001,
	"AVAX":  0.001,
	"DOGE":  0.00001,
	"LINK":  0.001,
	"MATIC": 0.0001,
	"XRP":   0.0001,
	"BNB":   0.01,
	"MKR":   0.1,
}

// manualOverrides win over everything, including venue metadata. The venue
// has been observed rejecting BTC prices below whole dollars and MKR prices
// below 0.1 regardless of what its metadata implies.
var manualOverrides = map[string]float64{
	"BTC": 1.0,
	"MKR": 0.1,
}

// Table maps exchange symbols to their minimum price increments.
type Table struct {
	sizes map[string]float64
}

// NewTable builds a table holding only the built-in defaults and overrides.
func NewTable() *Table {
	t := &Table{sizes: make(map[string]float64)}
	for sym, tick := range defaultTickSizes {
		t.sizes[sym] = tick
	}
	t.applyOverrides()
	return t
}

// FromMeta builds a table from venue metadata. Resolution per asset: explicit
// tick size, then 10^-szDecimals, then the per-symbol default, then
// DefaultTick. Manual overrides are applied last, unconditionally.
func FromMeta(meta sigflow.Meta) *Table {
	t := &Table{sizes: make(map[string]float64)}
	for _, asset := range meta.Assets {
		if asset.Name == "" {
			continue
		}
		tick := asset.TickSize
		if tick <= 0 {
			if asset.SzDecimals > 0 {
				tick = math.Pow10(-asset.SzDecimals)
			} else if def, ok := defaultTickSizes[asset.Name]; ok {
				tick = def
			} else {
				tick = DefaultTick
			}
		}
		t.sizes[asset.Name] = tick
	}
	if len(t.sizes) == 0 {
		for sym, tick := range defaultTickSizes {
			t.sizes[sym] = tick
		}
	}
	t.applyOverrides()
	return t
}

func (t *Table) applyOverrides() {
	for sym, tick := range manualOverrides {
		t.sizes[sym] = tick
	}
}

// Tick returns the tick size for the symbol, falling back to DefaultTick.
func (t *Table) Tick(symbol string) float64 {
	if tick, ok := t.sizes[symbol]; ok && tick > 0 {
		return tick
	}
	return DefaultTick
}

// Len reports how many symbols the table knows.
func (t *Table) Len() int { return len(t.sizes) }

// Round snaps the price to the nearest tick multiple, then re-quantizes to
// the decimal precision implied by the tick to suppress floating point noise.
// Rounding never fails; unknown symbols use DefaultTick.
func (t *Table) Round(price float64, symbol string) float64 {
	tick := t.Tick(symbol)
	rounded := math.Round(price/tick) * tick

	decimals := 0
	if tick > 0 && tick < 1 {
		decimals = int(math.Round(-math.Log10(tick)))
	}
	return roundToDecimals(rounded, decimals)
}

func roundToDecimals(value float64, decimals int) float64 {
	if decimals <= 0 {
		return math.Round(value)
	}
	pow := math.Pow10(decimals)
	return math.Round(value*pow) / pow
}

// UnrealizedPnl computes the open profit for a position of the given side.
func UnrealizedPnl(side sigflow.Side, entry, mark, size float64) float64 {
	if side.IsLong() {
		return (mark - entry) * size
	}
	return (entry - mark) * size
}

// PercentChange returns the signed move from reference to price in percent.
func PercentChange(reference, price float64) float64 {
	if reference == 0 {
		return 0
	}
	return (price - reference) / reference * 100
}
