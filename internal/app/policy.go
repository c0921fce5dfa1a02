package app

import (
	"github.com/dkeye/Pulse/internal/core"
	"github.com/dkeye/Pulse/internal/domain"
)

type BackpressureAction int

const (
	// KickMember closes the connection and treats it as disconnected.
	KickMember BackpressureAction = iota
	// DropFrame loses this frame but keeps the connection.
	DropFrame
)

type Policy interface {
	OnBackPressure(cfg domain.SessionConfig, conn core.Connection) BackpressureAction
}

type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(domain.SessionConfig, core.Connection) BackpressureAction {
	return KickMember
}
