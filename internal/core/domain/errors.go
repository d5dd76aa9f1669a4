package domain

import "errors"

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionExists    = errors.New("session already registered")
	ErrUnknownHeader    = errors.New("unknown packet header")
	ErrInvalidPacket    = errors.New("invalid packet")
	ErrInvalidTimeout   = errors.New("liveness timeout must be positive")
	ErrTransportClosed  = errors.New("transport closed")
	ErrNotRunning       = errors.New("pipeline not running")
	ErrInvalidPage      = errors.New("invalid page index")
	ErrInvalidWindowCnt = errors.New("invalid window count")
	ErrNoTile           = errors.New("no tile available")
)
