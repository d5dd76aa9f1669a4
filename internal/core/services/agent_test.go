package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"tilecast/internal/core/domain"
)

func newTestAgent(t *testing.T, transport *recordingTransport, heartbeat, timeout time.Duration) (*ClientProtocolAgent, *countingMetrics) {
	t.Helper()
	metrics := newCountingMetrics()
	agent := NewClientProtocolAgent(AgentConfig{
		ClientID:          "c1",
		Name:              "Alice",
		HeartbeatInterval: heartbeat,
		LivenessTimeout:   timeout,
		Capturer:          CapturerConfig{Interval: 5 * time.Millisecond},
		Processor:         ProcessorConfig{DeltaEnabled: true},
	}, transport, newFakeScreen(64, 48), pngCodec{}, metrics, zaptest.NewLogger(t).Sugar())
	t.Cleanup(func() { agent.StopScreensharing(context.Background()) })
	return agent, metrics
}

func fromServer(header domain.Header, data string) []byte {
	return marshal(domain.Packet{SenderID: domain.ServerID, Header: header, Data: data})
}

func TestAgent_StartRegisters(t *testing.T) {
	transport := &recordingTransport{}
	agent, _ := newTestAgent(t, transport, time.Second, time.Minute)

	require.NoError(t, agent.StartScreenSharing(context.Background()))

	registers := transport.packets(domain.HeaderRegister)
	require.Len(t, registers, 1)
	assert.Equal(t, string(domain.ServerID), registers[0].target)
	assert.Equal(t, domain.ClientID("c1"), registers[0].packet.SenderID)
	assert.Equal(t, "Alice", registers[0].packet.SenderName)
	assert.True(t, agent.IsSharing())
	assert.False(t, agent.IsStreaming())
}

func TestAgent_InvalidTimeoutIsFatal(t *testing.T) {
	transport := &recordingTransport{}
	agent, _ := newTestAgent(t, transport, time.Second, 0)

	err := agent.StartScreenSharing(context.Background())

	assert.ErrorIs(t, err, domain.ErrInvalidTimeout)
	assert.False(t, agent.IsSharing())
	assert.Empty(t, transport.packets(domain.HeaderRegister))
}

func TestAgent_HeartbeatCadence(t *testing.T) {
	transport := &recordingTransport{}
	agent, _ := newTestAgent(t, transport, 20*time.Millisecond, time.Minute)

	require.NoError(t, agent.StartScreenSharing(context.Background()))
	time.Sleep(110 * time.Millisecond)

	beats := len(transport.packets(domain.HeaderConfirmation))
	assert.GreaterOrEqual(t, beats, 3)
	assert.LessOrEqual(t, beats, 6)

	agent.StopScreensharing(context.Background())
	stopped := len(transport.packets(domain.HeaderConfirmation))

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, stopped, len(transport.packets(domain.HeaderConfirmation)), "no heartbeat after stop")

	last, ok := transport.last()
	require.True(t, ok)
	assert.Equal(t, domain.HeaderDeregister, last.packet.Header)
	assert.False(t, agent.IsSharing())
}

func TestAgent_TimeoutFiresOnce(t *testing.T) {
	transport := &recordingTransport{}
	agent, metrics := newTestAgent(t, transport, time.Second, 40*time.Millisecond)

	require.NoError(t, agent.StartScreenSharing(context.Background()))
	agent.OnDataReceived(fromServer(domain.HeaderSend, "1"))
	require.True(t, agent.IsStreaming())

	require.Eventually(t, func() bool { return !agent.IsSharing() }, waitFor, tick)
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, 1, metrics.get("timeout.presenter"))
	assert.False(t, agent.IsStreaming())
	assert.Empty(t, transport.packets(domain.HeaderDeregister), "timeout stops sending without deregistering")
}

func TestAgent_ConfirmationRearmsLiveness(t *testing.T) {
	transport := &recordingTransport{}
	agent, metrics := newTestAgent(t, transport, time.Second, 80*time.Millisecond)

	require.NoError(t, agent.StartScreenSharing(context.Background()))
	for i := 0; i < 8; i++ {
		time.Sleep(25 * time.Millisecond)
		agent.OnDataReceived(fromServer(domain.HeaderConfirmation, ""))
	}

	assert.True(t, agent.IsSharing())
	assert.Zero(t, metrics.get("timeout.presenter"))
}

func TestAgent_SendStartsStreaming(t *testing.T) {
	transport := &recordingTransport{}
	agent, _ := newTestAgent(t, transport, time.Second, time.Minute)
	require.NoError(t, agent.StartScreenSharing(context.Background()))

	agent.OnDataReceived(fromServer(domain.HeaderSend, "2"))

	assert.True(t, agent.IsStreaming())
	require.Eventually(t, func() bool {
		return agent.TargetResolution() == domain.Resolution{Width: 32, Height: 24}
	}, waitFor, tick)
	require.Eventually(t, func() bool { return len(transport.packets(domain.HeaderImage)) > 0 }, waitFor, tick)

	first := transport.packets(domain.HeaderImage)[0]
	assert.True(t, first.packet.Unit().IsFull())
	img, err := pngCodec{}.Decode(first.packet.Data)
	require.NoError(t, err)
	assert.Equal(t, 32, img.Bounds().Dx())
	assert.Equal(t, 24, img.Bounds().Dy())

	agent.OnDataReceived(fromServer(domain.HeaderSend, "4"))
	assert.Eventually(t, func() bool {
		return agent.TargetResolution() == domain.Resolution{Width: 16, Height: 12}
	}, waitFor, tick)

	agent.OnDataReceived(fromServer(domain.HeaderStop, ""))
	assert.False(t, agent.IsStreaming())
	assert.True(t, agent.IsSharing())

	stats := agent.Stats()
	assert.Zero(t, stats.Capture.Depth)
	assert.Zero(t, stats.Encoded.Depth)

	agent.OnDataReceived(fromServer(domain.HeaderStop, ""))
	assert.False(t, agent.IsStreaming())
}

func TestAgent_ProtocolViolations(t *testing.T) {
	transport := &recordingTransport{}
	agent, metrics := newTestAgent(t, transport, time.Second, time.Minute)
	require.NoError(t, agent.StartScreenSharing(context.Background()))

	agent.OnDataReceived([]byte("not json"))
	agent.OnDataReceived([]byte(`{"senderId":"server","header":"Bogus"}`))
	agent.OnDataReceived(fromServer(domain.HeaderRegister, ""))
	agent.OnDataReceived(fromServer(domain.HeaderSend, "zero"))

	assert.Equal(t, 1, metrics.get("violation.malformed"))
	assert.Equal(t, 1, metrics.get("violation.unknown_header"))
	assert.Equal(t, 1, metrics.get("violation.unexpected_header"))
	assert.Equal(t, 1, metrics.get("violation.window_count"))
	assert.False(t, agent.IsStreaming())
	assert.True(t, agent.IsSharing())
}

func TestAgent_IgnoresDirectivesWhenNotSharing(t *testing.T) {
	transport := &recordingTransport{}
	agent, _ := newTestAgent(t, transport, time.Second, time.Minute)

	agent.OnDataReceived(fromServer(domain.HeaderSend, "1"))

	assert.False(t, agent.IsStreaming())
}

func TestAgent_SendFailuresAreNotFatal(t *testing.T) {
	transport := &recordingTransport{failing: true}
	agent, metrics := newTestAgent(t, transport, 10*time.Millisecond, time.Minute)

	require.NoError(t, agent.StartScreenSharing(context.Background()))
	require.Eventually(t, func() bool { return metrics.get("send_failed.Confirmation") >= 2 }, waitFor, tick)

	assert.True(t, agent.IsSharing())
	assert.Equal(t, 1, metrics.get("send_failed.Register"))
	assert.GreaterOrEqual(t, agent.Stats().SendFailures, uint64(3))
}

func TestAgent_LostImageResendsFullFrame(t *testing.T) {
	transport := &recordingTransport{lostImages: 1}
	agent, metrics := newTestAgent(t, transport, time.Second, time.Minute)
	require.NoError(t, agent.StartScreenSharing(context.Background()))

	// the screen never changes, so only a forced full frame can follow the
	// lost baseline
	agent.OnDataReceived(fromServer(domain.HeaderSend, "1"))

	require.Eventually(t, func() bool {
		for _, s := range transport.packets(domain.HeaderImage) {
			if s.packet.Unit().IsFull() {
				return true
			}
		}
		return false
	}, waitFor, tick)
	assert.Equal(t, 1, metrics.get("send_failed.Image"))
}
