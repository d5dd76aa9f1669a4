package domain

import (
	"image"
	"time"
)

type ClientID string

// ClientSession is the server-side view of one registered presenter.
type ClientSession struct {
	ID         ClientID
	Name       string
	Pinned     bool
	Tile       Resolution
	Image      *image.RGBA
	Generation uint64
	// Frame counts units stitched into Image.
	Frame    uint64
	Deadline time.Time
	JoinedAt time.Time

	// Seq orders sessions stably for pagination.
	Seq uint64
}

// PresenceRecord is the externally visible part of a session, mirrored to
// the presence store.
type PresenceRecord struct {
	ID         ClientID  `json:"id"`
	Name       string    `json:"name"`
	InstanceID string    `json:"instance_id"`
	Pinned     bool      `json:"pinned"`
	Visible    bool      `json:"visible"`
	JoinedAt   time.Time `json:"joined_at"`
	LastSeen   time.Time `json:"last_seen"`
}
