package ports

import "time"

// EngineMetrics receives pipeline and registry events.
type EngineMetrics interface {
	FrameCaptured()
	CaptureFailed()
	FramesDropped(stage string, n int)
	UnitEncoded(kind string, bytes int)
	PacketSent(header string)
	SendFailed(header string)
	PacketReceived(header string)
	ProtocolViolation(reason string)
	PresenterRegistered()
	PresenterRemoved(reason string)
	LivenessTimeout(side string)
	LayoutRecomputed(visible int, took time.Duration)
	TileStitched(kind string, took time.Duration)
	StaleUnitDiscarded()
}
