// Package endpoint defines the local chat surface the bridge speaks to.
// An Endpoint produces ChatMessages from a human operator and accepts
// OutboundMessages addressed to a display name.
package endpoint

import (
	"context"
	"time"
)

type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
	KindFile  Kind = "file"
	KindVoice Kind = "voice"
)

// Attachment is a piece of media carried alongside a message. Path points
// at a local file when the media is available on disk; otherwise URL holds
// a remote reference.
type Attachment struct {
	Name string `json:"name"`
	Path string `json:"path,omitempty"`
	URL  string `json:"url,omitempty"`
	Size int64  `json:"size,omitempty"`
}

// ChatMessage is an inbound message from the local chat surface.
type ChatMessage struct {
	SenderName  string       `json:"sender_name"`
	SenderID    string       `json:"sender_id"`
	MessageID   string       `json:"message_id"`
	Timestamp   time.Time    `json:"timestamp"`
	Kind        Kind         `json:"kind"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// OutboundMessage is a message the bridge wants delivered to a local chat
// contact, addressed by display name.
type OutboundMessage struct {
	To          string       `json:"to"`
	Kind        Kind         `json:"kind"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// InboundHandler receives every message the endpoint produces. Handlers
// run on the endpoint's read goroutine and should return quickly.
type InboundHandler func(msg ChatMessage)

type Endpoint interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsRunning() bool
	SetHandler(handler InboundHandler)
	Send(ctx context.Context, msg OutboundMessage) error
}
