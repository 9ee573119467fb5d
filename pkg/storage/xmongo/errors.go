package xmongo

import "errors"

var (
	// ErrNilCollection 表示传入的 collection 为 nil。
	ErrNilCollection = errors.New("xmongo: nil collection")

	// ErrNilContext 表示传入的 context 为 nil。
	ErrNilContext = errors.New("xmongo: context must not be nil")
)
