package services

import (
	"time"

	"tilecast/internal/core/ports"
)

type noopMetrics struct{}

func (noopMetrics) FrameCaptured()                      {}
func (noopMetrics) CaptureFailed()                      {}
func (noopMetrics) FramesDropped(string, int)           {}
func (noopMetrics) UnitEncoded(string, int)             {}
func (noopMetrics) PacketSent(string)                   {}
func (noopMetrics) SendFailed(string)                   {}
func (noopMetrics) PacketReceived(string)               {}
func (noopMetrics) ProtocolViolation(string)            {}
func (noopMetrics) PresenterRegistered()                {}
func (noopMetrics) PresenterRemoved(string)             {}
func (noopMetrics) LivenessTimeout(string)              {}
func (noopMetrics) LayoutRecomputed(int, time.Duration) {}
func (noopMetrics) TileStitched(string, time.Duration)  {}
func (noopMetrics) StaleUnitDiscarded()                 {}

func metricsOrNoop(m ports.EngineMetrics) ports.EngineMetrics {
	if m == nil {
		return noopMetrics{}
	}
	return m
}
