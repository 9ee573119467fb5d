package xmetrics

import "errors"

// NewOTelObserver 返回的错误。
var (
	ErrCreateCounter   = errors.New("xmetrics: create counter failed")
	ErrCreateHistogram = errors.New("xmetrics: create histogram failed")
	ErrNilOption       = errors.New("xmetrics: nil option")
)
