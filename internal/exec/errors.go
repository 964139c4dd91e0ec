package exec

import (
	"errors"
	"fmt"
)

var (
	// ErrHedgeNotPlaced means nothing was filled: the first leg failed.
	ErrHedgeNotPlaced = errors.New("hedge not placed")
	// ErrUnwindRequired means the first leg filled and the second did not,
	// leaving a naked position that needs manual action.
	ErrUnwindRequired = errors.New("hedge unwind required")
)

// UnwindRequiredError describes a half-filled hedge.
type UnwindRequiredError struct {
	HedgeID string
	Symbol  string
	Size    float64
	Filled  Leg
	Failed  Leg
	Err     error
}

func (e *UnwindRequiredError) Error() string {
	return fmt.Sprintf("hedge %s %s: %s %s leg filled (order %s), %s %s leg failed: %v",
		e.HedgeID, e.Symbol,
		e.Filled.Market, e.Filled.Side, e.Filled.OrderID,
		e.Failed.Market, e.Failed.Side, e.Err,
	)
}

func (e *UnwindRequiredError) Is(target error) bool {
	return target == ErrUnwindRequired
}

func (e *UnwindRequiredError) Unwrap() error {
	return e.Err
}
