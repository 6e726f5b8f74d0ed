package position

import "errors"

var (
	ErrPositionExists  = errors.New("position already open for symbol")
	ErrNoPosition      = errors.New("no open position for symbol")
	ErrNotFilled       = errors.New("order has no confirmed fill")
	ErrSideMismatch    = errors.New("fill side does not match the open position")
	ErrCloseInProgress = errors.New("position is already closing")
	ErrCloseRejected   = errors.New("exit order ended without a fill")
)
