package sigflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Side is the direction of a signal or position.
//
// It intentionally uses a string alias so values remain comparable and
// readable when embedded into other structs and log lines.
type Side string

const (
	Long  Side = "LONG"
	Short Side = "SHORT"
)

// ParseSide normalizes the position_type field of a signal.
func ParseSide(s string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LONG", "BUY":
		return Long, nil
	case "SHORT", "SELL":
		return Short, nil
	default:
		return "", fmt.Errorf("unknown position type %q", s)
	}
}

// IsLong reports whether the side opens long exposure.
func (s Side) IsLong() bool { return s == Long }

// Opposite returns the closing direction for the side.
func (s Side) Opposite() Side {
	if s == Long {
		return Short
	}
	return Long
}

// Signal is a single externally produced trading instruction. The JSON shape
// is the contract with the signal generator; annotation fields are written
// back into the same file to record the outcome.
type Signal struct {
	ID           string    `json:"id"`
	Symbol       string    `json:"symbol"`
	PositionType string    `json:"position_type"`
	Price        float64   `json:"price"`
	TakeProfit   float64   `json:"take_profit"`
	StopLoss     float64   `json:"stop_loss"`
	Size         float64   `json:"size"`
	Strength     float64   `json:"strength"`
	Timestamp    time.Time `json:"timestamp"`

	// Processing annotations, absent until the trader acts on the signal.
	Processed     bool   `json:"processed,omitempty"`
	Processing    bool   `json:"processing,omitempty"`
	IgnoredReason string `json:"ignored_reason,omitempty"`
	OrderID       string `json:"order_id,omitempty"`
}

// Age returns how long ago the signal was produced.
func (s Signal) Age(now time.Time) time.Duration {
	return now.Sub(s.Timestamp)
}

// Side parses the signal's position type.
func (s Signal) Side() (Side, error) {
	return ParseSide(s.PositionType)
}

// Validate reports whether the signal carries enough to act on. TP/SL and
// size stay unchecked here, those have repair and auto-sizing paths.
func (s Signal) Validate() error {
	if s.ID == "" {
		return errors.New("signal has no id")
	}
	if s.Symbol == "" {
		return errors.New("signal has no symbol")
	}
	if _, err := s.Side(); err != nil {
		return err
	}
	if s.Price <= 0 {
		return fmt.Errorf("signal price %v is not positive", s.Price)
	}
	if s.Timestamp.IsZero() {
		return errors.New("signal has no timestamp")
	}
	return nil
}

// EffectiveStrength returns the confidence scalar, defaulting to 0.8 when the
// producer left it unset and clamping into [0, 1].
func (s Signal) EffectiveStrength() float64 {
	if s.Strength <= 0 {
		return 0.8
	}
	if s.Strength > 1 {
		return 1
	}
	return s.Strength
}

// OrderKind distinguishes the three order roles the trader submits.
type OrderKind int

const (
	KindEntry OrderKind = iota
	KindTakeProfit
	KindStopLoss
)

func (k OrderKind) String() string {
	switch k {
	case KindTakeProfit:
		return "tp"
	case KindStopLoss:
		return "sl"
	default:
		return "entry"
	}
}

// OrderRequest describes an order the trader wants on the book, independent
// of the venue's wire encoding.
type OrderRequest struct {
	Coin       string
	IsBuy      bool
	Size       float64
	Price      float64
	Kind       OrderKind
	TriggerPx  float64 // trigger price for tp/sl orders
	ReduceOnly bool
	Cloid      string // client order id, empty to let the venue assign one
}

// PlaceStatus is the tagged outcome of an order submission.
type PlaceStatus int

const (
	PlaceRejected PlaceStatus = iota
	PlaceResting
	PlaceFilled
)

func (s PlaceStatus) String() string {
	switch s {
	case PlaceResting:
		return "resting"
	case PlaceFilled:
		return "filled"
	default:
		return "rejected"
	}
}

// PlaceResult is the normalized response to PlaceOrder.
type PlaceResult struct {
	Status     PlaceStatus
	OrderID    int64
	AvgPrice   float64 // only meaningful when Status == PlaceFilled
	FilledSize float64 // only meaningful when Status == PlaceFilled
	Message    string  // venue error text when Status == PlaceRejected
}

// OrderState is the lifecycle state of a previously submitted order.
type OrderState int

const (
	OrderUnknown OrderState = iota
	OrderOpen
	OrderFilled
	OrderCanceled
)

func (s OrderState) String() string {
	switch s {
	case OrderOpen:
		return "open"
	case OrderFilled:
		return "filled"
	case OrderCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// OrderStatus is the normalized response to a status query.
type OrderStatus struct {
	State      OrderState
	OrderID    int64
	LimitPrice float64
	AvgPrice   float64 // average fill price when the venue reports one
	Remaining  float64
	Size       float64
}

// RemotePosition is one nonzero position reported by the venue. Size carries
// the sign: positive long, negative short.
type RemotePosition struct {
	Coin          string
	Size          float64
	EntryPrice    float64
	UnrealizedPnl float64
	MarkPrice     float64
}

// UserState is the venue's authoritative account view.
type UserState struct {
	AccountValue      float64
	Withdrawable      float64
	MaintenanceMargin float64
	Positions         []RemotePosition
}

// Asset is one tradeable instrument from venue metadata.
type Asset struct {
	Name       string
	TickSize   float64 // zero when the venue does not expose one directly
	SzDecimals int
}

// Meta is the venue metadata relevant to price/size rounding.
type Meta struct {
	Assets []Asset
}

// ErrOrderNotFound reports that the venue no longer knows the queried order.
var ErrOrderNotFound = errors.New("sigflow: order not found")

// Exchange is the capability set the trader needs from the venue. The wire
// protocol behind it is out of scope; hl provides the Hyperliquid
// implementation and tests substitute fakes.
type Exchange interface {
	UserState(ctx context.Context) (UserState, error)
	OrderStatus(ctx context.Context, cloid string) (OrderStatus, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (PlaceResult, error)
	CancelOrder(ctx context.Context, coin, cloid string) error
	Metadata(ctx context.Context) (Meta, error)
}
