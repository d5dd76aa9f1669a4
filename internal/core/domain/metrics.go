package domain

// QueueStats is a snapshot of a bounded queue.
type QueueStats struct {
	Depth   int    `json:"depth"`
	Max     int    `json:"max"`
	Dropped uint64 `json:"dropped"`
}

// PresenterStats summarizes one presenter pipeline.
type PresenterStats struct {
	Sharing      bool       `json:"sharing"`
	Streaming    bool       `json:"streaming"`
	Capture      QueueStats `json:"capture"`
	Encoded      QueueStats `json:"encoded"`
	Target       Resolution `json:"target"`
	UnitsFull    uint64     `json:"units_full"`
	UnitsDelta   uint64     `json:"units_delta"`
	UnitsNoop    uint64     `json:"units_noop"`
	PacketsSent  uint64     `json:"packets_sent"`
	SendFailures uint64     `json:"send_failures"`
}
