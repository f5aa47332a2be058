package apptypes

import "encoding/json"

// StreamFrameKind identifies the kind of a frame pushed to a client.
type StreamFrameKind string

const (
	FriendsFrame      StreamFrameKind = "friends"
	PendingFrame      StreamFrameKind = "pending"
	BlockedFrame      StreamFrameKind = "blocked"
	NotificationFrame StreamFrameKind = "notification"
)

// StreamFrame is the envelope for everything the stream server pushes to a
// connected client: live view snapshots and direct notifications.
type StreamFrame struct {
	Kind    StreamFrameKind `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// NewStreamFrame marshals payload into a frame of the given kind.
func NewStreamFrame(kind StreamFrameKind, payload any) (*StreamFrame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &StreamFrame{Kind: kind, Payload: raw}, nil
}
