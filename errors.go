package canopen

import "errors"

var (
	ErrIllegalArgument = errors.New("error in function arguments")
	ErrTimeout         = errors.New("function timeout")
	ErrRxMsgLength     = errors.New("wrong receive message length")
	ErrTxBusy          = errors.New("sending rejected because driver is busy, try again")
	ErrInvalidState    = errors.New("driver not ready")
)
