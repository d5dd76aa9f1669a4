package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Header identifies the purpose of a Packet on the wire.
type Header string

const (
	HeaderRegister     Header = "Register"
	HeaderDeregister   Header = "Deregister"
	HeaderImage        Header = "Image"
	HeaderConfirmation Header = "Confirmation"
	HeaderSend         Header = "Send"
	HeaderStop         Header = "Stop"
)

// Valid reports whether h is one of the known headers.
func (h Header) Valid() bool {
	switch h {
	case HeaderRegister, HeaderDeregister, HeaderImage, HeaderConfirmation, HeaderSend, HeaderStop:
		return true
	}
	return false
}

// Topic is the transport topic every screen-sharing packet travels on.
const Topic = "screenshare"

// ServerID addresses the viewer-side registry on targeted transports.
const ServerID ClientID = "server"

// PixelDelta is one changed pixel relative to the previous frame.
type PixelDelta struct {
	X     uint16 `json:"x"`
	Y     uint16 `json:"y"`
	Alpha byte   `json:"a"`
	Red   byte   `json:"r"`
	Green byte   `json:"g"`
	Blue  byte   `json:"b"`
}

// Packet is the unit exchanged over the transport.
type Packet struct {
	SenderID   ClientID     `json:"senderId"`
	SenderName string       `json:"senderName"`
	Header     Header       `json:"header"`
	Data       string       `json:"data"`
	Deltas     []PixelDelta `json:"deltas"`
}

// NewSendPacket builds a Send directive carrying the requested tile-window count.
func NewSendPacket(windowCount int) Packet {
	return Packet{
		SenderID: ServerID,
		Header:   HeaderSend,
		Data:     strconv.Itoa(windowCount),
	}
}

// WindowCount parses the window count carried by a Send packet.
func (p Packet) WindowCount() (int, error) {
	n, err := strconv.Atoi(p.Data)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidWindowCnt, p.Data)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidWindowCnt, n)
	}
	return n, nil
}

// Unit extracts the EncodedUnit carried by an Image packet.
func (p Packet) Unit() EncodedUnit {
	return EncodedUnit{Payload: p.Data, Deltas: p.Deltas}
}

// Marshal encodes the packet for the transport.
func (p Packet) Marshal() ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal packet: %w", err)
	}
	return data, nil
}

// UnmarshalPacket decodes and sanity-checks a packet received from the transport.
func UnmarshalPacket(data []byte) (Packet, error) {
	var p Packet
	if err := json.Unmarshal(data, &p); err != nil {
		return Packet{}, fmt.Errorf("%w: %v", ErrInvalidPacket, err)
	}
	if !p.Header.Valid() {
		return p, fmt.Errorf("%w: %q", ErrUnknownHeader, p.Header)
	}
	if p.SenderID == "" {
		return p, fmt.Errorf("%w: missing senderId", ErrInvalidPacket)
	}
	return p, nil
}
