package convert

import (
	"sync/atomic"
	"time"
)

// Segment is one element of an OneBot v11 message array.
type Segment struct {
	Type string                 `json:"type"`
	Data map[string]interface{} `json:"data"`
}

func TextSegment(text string) Segment {
	return Segment{Type: "text", Data: map[string]interface{}{"text": text}}
}

// Sender carries the fixed sender profile attached to every message event.
// Only user_id and nickname vary; the rest are protocol-required filler.
type Sender struct {
	UserID   string `json:"user_id"`
	Nickname string `json:"nickname"`
	Card     string `json:"card"`
	Sex      string `json:"sex"`
	Age      int    `json:"age"`
	Area     string `json:"area"`
	Level    string `json:"level"`
	Role     string `json:"role"`
	Title    string `json:"title"`
}

// MessageEvent is an outbound private-message event.
type MessageEvent struct {
	Time        int64     `json:"time"`
	SelfID      string    `json:"self_id"`
	PostType    string    `json:"post_type"`
	MessageType string    `json:"message_type"`
	SubType     string    `json:"sub_type"`
	MessageID   int64     `json:"message_id"`
	UserID      string    `json:"user_id"`
	Message     []Segment `json:"message"`
	RawMessage  string    `json:"raw_message"`
	Font        int       `json:"font"`
	Sender      Sender    `json:"sender"`
}

type HeartbeatStatus struct {
	Online bool `json:"online"`
	Good   bool `json:"good"`
}

// MetaEvent covers heartbeat and lifecycle frames. Status and Interval are
// set for heartbeats, SubType for lifecycle events.
type MetaEvent struct {
	Time          int64            `json:"time"`
	SelfID        string           `json:"self_id"`
	PostType      string           `json:"post_type"`
	MetaEventType string           `json:"meta_event_type"`
	SubType       string           `json:"sub_type,omitempty"`
	Status        *HeartbeatStatus `json:"status,omitempty"`
	Interval      int64            `json:"interval,omitempty"`
}

// APIResponse answers an inbound API request. Echo is reproduced verbatim
// from the request, including the empty string.
type APIResponse struct {
	Status  string      `json:"status"`
	Retcode int         `json:"retcode"`
	Data    interface{} `json:"data"`
	Echo    interface{} `json:"echo"`
}

const (
	RetcodeOK          = 0
	RetcodeBadRequest  = 1400
	RetcodeNotFound    = 1404
	RetcodeInternalErr = 1500
)

var lastMessageID atomic.Int64

// NextMessageID returns a millisecond-epoch integer that is strictly
// increasing across the process, even when called more than once within
// the same millisecond.
func NextMessageID(now time.Time) int64 {
	ms := now.UnixMilli()
	for {
		prev := lastMessageID.Load()
		if ms <= prev {
			ms = prev + 1
		}
		if lastMessageID.CompareAndSwap(prev, ms) {
			return ms
		}
	}
}
