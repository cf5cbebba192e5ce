package core

import "github.com/shopspring/decimal"

// ActionKind tags a Plan action. Go has no algebraic data types, so Action
// is a tagged struct per §9: one Kind field plus a union of optional
// payload fields, rather than an interface hierarchy.
type ActionKind int

const (
	ActionCreate ActionKind = iota
	ActionUpdate
	ActionCancel
	ActionRotate
)

func (k ActionKind) String() string {
	switch k {
	case ActionCreate:
		return "CREATE"
	case ActionUpdate:
		return "UPDATE"
	case ActionCancel:
		return "CANCEL"
	case ActionRotate:
		return "ROTATE"
	default:
		return "UNKNOWN"
	}
}

// Action is one typed step of a Plan. Fields are interpreted by Kind:
//
//	CREATE:  Slot, Price, Size
//	CANCEL:  Slot, ChainOrderID
//	UPDATE:  Slot, ChainOrderID, Price (new price), Size (new size)
//	ROTATE:  Slot (src), ChainOrderID (src), DstSlot, Price (dst price), Size (dst size)
type Action struct {
	Kind         ActionKind
	Slot         int
	ChainOrderID string
	Price        Price
	Size         decimal.Decimal
	DstSlot      int
	Side         Side // side the resulting order sits on (for funds accounting)

	// Reason is a short, non-user-facing tag for logging/telemetry, e.g.
	// "fill-rotate", "divergence-resize", "spread-correction".
	Reason string
}

// Plan is an ordered list of actions to be broadcast as one chain batch.
// It carries only the actions; the WorkingGrid they were computed against
// travels separately.
type Plan struct {
	Actions []Action
}

// RequiredFunds sums the base-unit amount a Plan would additionally commit on
// the given side before it broadcasts, used for the pre-flight check in
// executor.
func (p Plan) RequiredFunds(side Side) decimal.Decimal {
	total := decimal.Zero
	for _, a := range p.Actions {
		if a.Side != side {
			continue
		}
		switch a.Kind {
		case ActionCreate, ActionRotate:
			total = total.Add(a.Size)
		case ActionUpdate:
			// The full new size is counted; the slot's already-committed
			// size is not netted out here or in the executor's pre-flight.
			total = total.Add(a.Size)
		}
	}
	return total
}

// BatchResultKind tags the outcome of broadcasting a Plan.
type BatchResultKind int

const (
	Confirmed BatchResultKind = iota
	StaleOrder
	InsufficientFunds
	IllegalState
	TransientError
)

func (k BatchResultKind) String() string {
	switch k {
	case Confirmed:
		return "CONFIRMED"
	case StaleOrder:
		return "STALE_ORDER"
	case InsufficientFunds:
		return "INSUFFICIENT_FUNDS"
	case IllegalState:
		return "ILLEGAL_STATE"
	case TransientError:
		return "TRANSIENT_ERROR"
	default:
		return "UNKNOWN"
	}
}

// ActionOutcome is the per-action broadcast result for a Confirmed batch.
type ActionOutcome struct {
	Action       Action
	ChainOrderID string // newly assigned id for CREATE/ROTATE destinations
}

// BatchResult is the tagged variant the executor returns to its caller.
type BatchResult struct {
	Kind BatchResultKind

	// Confirmed
	Outcomes []ActionOutcome

	// StaleOrder
	StaleIDs map[string]bool

	// Any kind may carry an underlying error for logging.
	Err error
}

// EventKind tags the event the planner reacts to.
type EventKind int

const (
	EventFill EventKind = iota
	EventPeriodicTick
	EventSpreadCheck
	EventDivergenceCheck
	EventBoundarySync
	EventReset
)

func (k EventKind) String() string {
	switch k {
	case EventFill:
		return "FILL"
	case EventPeriodicTick:
		return "PERIODIC_TICK"
	case EventSpreadCheck:
		return "SPREAD_CHECK"
	case EventDivergenceCheck:
		return "DIVERGENCE_CHECK"
	case EventBoundarySync:
		return "BOUNDARY_SYNC"
	case EventReset:
		return "RESET"
	default:
		return "UNKNOWN"
	}
}

// FillEvent describes a fill delivered by the chain adapter's subscription.
type FillEvent struct {
	ChainOrderID string
	BlockNum     int64
	HistoryID    int64
	Full         bool // true: order fully consumed; false: partial
	Paid         decimal.Decimal
	Received     decimal.Decimal
	IsMaker      bool
}

// ID returns the (orderId, blockNum, historyId) dedup key from §7/§4.6.
func (f FillEvent) ID() string {
	return f.ChainOrderID + ":" + decimal.NewFromInt(f.BlockNum).String() + ":" + decimal.NewFromInt(f.HistoryID).String()
}

// Event is a tagged variant the worker's single consumer loop pops and feeds
// to the planner.
type Event struct {
	Kind  EventKind
	Fills []FillEvent // EventFill: pre-sorted by (blockNum, historyId)
}
