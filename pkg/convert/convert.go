// Package convert translates between the local chat representation and
// OneBot v11 events, including the CQ-code codec. All transformations
// degrade to valid output instead of returning errors.
package convert

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/luoshen/wxbridge/pkg/endpoint"
	"github.com/luoshen/wxbridge/pkg/logger"
)

const base64Prefix = "base64://"

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".bmp": true,
}

var voiceExtensions = map[string]bool{
	".wav": true, ".mp3": true, ".amr": true, ".silk": true,
}

type Converter struct {
	selfID            string
	selfNickname      string
	heartbeatInterval time.Duration
	imageCacheDir     string
	voiceCacheDir     string

	nowFunc func() time.Time
}

type Options struct {
	SelfID            string
	SelfNickname      string
	HeartbeatInterval time.Duration
	ImageCacheDir     string
	VoiceCacheDir     string
}

func New(opts Options) *Converter {
	if opts.SelfID == "" {
		opts.SelfID = "wxbridge_bot"
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	return &Converter{
		selfID:            opts.SelfID,
		selfNickname:      opts.SelfNickname,
		heartbeatInterval: opts.HeartbeatInterval,
		imageCacheDir:     opts.ImageCacheDir,
		voiceCacheDir:     opts.VoiceCacheDir,
		nowFunc:           time.Now,
	}
}

func (c *Converter) SelfID() string {
	return c.selfID
}

func (c *Converter) SelfNickname() string {
	return c.selfNickname
}

// ChatToEvent builds a private-message event from a local chat message.
// It never fails: an unreadable attachment degrades to passing its path
// through, and any other internal failure produces a text-only event
// embedding the failure reason.
func (c *Converter) ChatToEvent(msg endpoint.ChatMessage) (event MessageEvent) {
	now := c.nowFunc()

	defer func() {
		if r := recover(); r != nil {
			event = c.errorEvent(msg, now, fmt.Sprintf("%v", r))
		}
	}()

	ts := msg.Timestamp.Unix()
	if msg.Timestamp.IsZero() {
		ts = now.Unix()
	}

	event = MessageEvent{
		Time:        ts,
		SelfID:      c.selfID,
		PostType:    "message",
		MessageType: "private",
		SubType:     "friend",
		MessageID:   NextMessageID(now),
		UserID:      msg.SenderID,
		Font:        0,
		Sender: Sender{
			UserID:   msg.SenderID,
			Nickname: msg.SenderName,
			Sex:      "unknown",
			Level:    "1",
			Role:     "member",
		},
	}

	switch msg.Kind {
	case endpoint.KindImage:
		event.Message, event.RawMessage = c.mediaSegments(msg, "image", "[image]")
	case endpoint.KindVoice:
		event.Message, event.RawMessage = c.mediaSegments(msg, "record", "[voice]")
	case endpoint.KindFile:
		event.Message, event.RawMessage = fileSegments(msg)
	default:
		event.Message = []Segment{TextSegment(msg.Content)}
		event.RawMessage = msg.Content
	}

	return event
}

func (c *Converter) errorEvent(msg endpoint.ChatMessage, now time.Time, reason string) MessageEvent {
	text := fmt.Sprintf("[message conversion failed: %s]", reason)
	return MessageEvent{
		Time:        now.Unix(),
		SelfID:      c.selfID,
		PostType:    "message",
		MessageType: "private",
		SubType:     "friend",
		MessageID:   NextMessageID(now),
		UserID:      msg.SenderID,
		Message:     []Segment{TextSegment(text)},
		RawMessage:  text,
		Sender: Sender{
			UserID:   msg.SenderID,
			Nickname: msg.SenderName,
			Sex:      "unknown",
			Level:    "1",
			Role:     "member",
		},
	}
}

// mediaSegments encodes an image or voice attachment. A readable local
// file is inlined as base64; a URL or unreadable path passes through
// unchanged; a message with no usable reference gets the placeholder.
func (c *Converter) mediaSegments(msg endpoint.ChatMessage, segType, placeholder string) ([]Segment, string) {
	fileRef := placeholder
	if len(msg.Attachments) > 0 {
		att := msg.Attachments[0]
		switch {
		case att.Path != "" && fileExists(att.Path):
			data, err := os.ReadFile(att.Path)
			if err != nil {
				logger.WarnCF("convert", "Failed to read attachment", map[string]interface{}{
					"path":  att.Path,
					"error": err.Error(),
				})
				fileRef = att.Path
			} else {
				fileRef = base64Prefix + base64.StdEncoding.EncodeToString(data)
			}
		case att.URL != "":
			fileRef = att.URL
		case att.Path != "":
			fileRef = att.Path
		}
	}

	segments := []Segment{{
		Type: segType,
		Data: map[string]interface{}{"file": fileRef},
	}}
	raw := fmt.Sprintf("[CQ:%s,file=%s]", segType, fileRef)
	return segments, raw
}

// fileSegments summarizes a file attachment as text. Binary content is
// never inlined for files.
func fileSegments(msg endpoint.ChatMessage) ([]Segment, string) {
	name := "unknown_file"
	var text string
	if len(msg.Attachments) > 0 {
		att := msg.Attachments[0]
		if att.Name != "" {
			name = att.Name
		}
		size := att.Size
		if att.Path != "" {
			if info, err := os.Stat(att.Path); err == nil {
				size = info.Size()
			}
		}
		if size > 0 || fileExists(att.Path) {
			text = fmt.Sprintf("[file: %s, size: %s]", name, FormatFileSize(size))
		}
	}
	if text == "" {
		text = fmt.Sprintf("[file: %s]", name)
	}
	return []Segment{TextSegment(text)}, text
}

// MessageToChat interprets an API-request message field, which may be a CQ
// string or a segment array, into an outbound chat message addressed to
// the given display name. With autoEscape set the whole input is treated
// as literal text and CQ parsing is skipped.
func (c *Converter) MessageToChat(message interface{}, to string, autoEscape bool) endpoint.OutboundMessage {
	out := endpoint.OutboundMessage{To: to, Kind: endpoint.KindText}

	if autoEscape {
		out.Content = literalText(message)
		return out
	}

	var segments []Segment
	switch m := message.(type) {
	case string:
		segments = DecodeCQ(m)
	case []Segment:
		segments = m
	case []interface{}:
		segments = decodeSegmentList(m)
	case json.RawMessage:
		segments = decodeRawMessage(m)
	default:
		out.Content = literalText(message)
		return out
	}

	var parts []string
	var attachments []endpoint.Attachment

	for _, seg := range segments {
		switch seg.Type {
		case "text":
			parts = append(parts, dataString(seg.Data["text"]))
		case "image":
			att, ok := c.materializeMedia(seg, "image")
			if ok {
				attachments = append(attachments, att)
			}
			parts = append(parts, "[image]")
		case "record":
			att, ok := c.materializeMedia(seg, "voice")
			if ok {
				attachments = append(attachments, att)
			}
			parts = append(parts, "[voice]")
		case "at":
			parts = append(parts, "@"+dataString(seg.Data["qq"]))
		case "face":
			parts = append(parts, fmt.Sprintf("[face%s]", dataString(seg.Data["id"])))
		default:
			parts = append(parts, fmt.Sprintf("[%s]", seg.Type))
		}
	}

	out.Content = strings.Join(parts, "")
	out.Attachments = attachments

	if len(attachments) == 1 && !hasPlainText(parts) {
		out.Kind = attachmentKind(attachments[0])
	}

	return out
}

// Heartbeat builds a liveness meta event. The interval is reported in
// milliseconds per the protocol.
func (c *Converter) Heartbeat() MetaEvent {
	return MetaEvent{
		Time:          c.nowFunc().Unix(),
		SelfID:        c.selfID,
		PostType:      "meta_event",
		MetaEventType: "heartbeat",
		Status:        &HeartbeatStatus{Online: true, Good: true},
		Interval:      c.heartbeatInterval.Milliseconds(),
	}
}

// LifecycleEvent builds a lifecycle meta event; subtype is one of
// connect, enable, disable.
func (c *Converter) LifecycleEvent(subType string) MetaEvent {
	return MetaEvent{
		Time:          c.nowFunc().Unix(),
		SelfID:        c.selfID,
		PostType:      "meta_event",
		MetaEventType: "lifecycle",
		SubType:       subType,
	}
}

// materializeMedia resolves a media segment's file reference to an
// attachment. base64 payloads are written to the cache directory; decode
// failure degrades to passing the raw string through as the path.
func (c *Converter) materializeMedia(seg Segment, kind string) (endpoint.Attachment, bool) {
	fileRef := dataString(seg.Data["file"])
	if fileRef == "" {
		fileRef = dataString(seg.Data["url"])
	}
	if fileRef == "" {
		return endpoint.Attachment{}, false
	}

	switch {
	case strings.HasPrefix(fileRef, base64Prefix):
		path, err := c.writeCacheFile(fileRef[len(base64Prefix):], kind)
		if err != nil {
			logger.WarnCF("convert", "Failed to materialize inline media", map[string]interface{}{
				"kind":  kind,
				"error": err.Error(),
			})
			return endpoint.Attachment{Name: filepath.Base(fileRef), Path: fileRef}, true
		}
		return endpoint.Attachment{Name: filepath.Base(path), Path: path}, true

	case strings.HasPrefix(fileRef, "http://"), strings.HasPrefix(fileRef, "https://"):
		return endpoint.Attachment{Name: filepath.Base(fileRef), URL: fileRef}, true

	case fileExists(fileRef):
		return endpoint.Attachment{Name: filepath.Base(fileRef), Path: fileRef}, true
	}

	return endpoint.Attachment{}, false
}

func (c *Converter) writeCacheFile(encoded, kind string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode base64: %w", err)
	}

	dir := c.imageCacheDir
	ext := ".jpg"
	if kind == "voice" {
		dir = c.voiceCacheDir
		ext = ".wav"
	}
	if dir == "" {
		dir = filepath.Join("cache", kind+"s")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}

	name := fmt.Sprintf("received_%s_%d%s", kind, c.nowFunc().UnixNano(), ext)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", err
	}
	return path, nil
}

func attachmentKind(att endpoint.Attachment) endpoint.Kind {
	ref := att.Path
	if ref == "" {
		ref = att.URL
	}
	ext := strings.ToLower(filepath.Ext(ref))
	switch {
	case imageExtensions[ext]:
		return endpoint.KindImage
	case voiceExtensions[ext]:
		return endpoint.KindVoice
	default:
		return endpoint.KindFile
	}
}

// hasPlainText reports whether any part carries real text rather than a
// bracketed placeholder.
func hasPlainText(parts []string) bool {
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" && !strings.HasPrefix(trimmed, "[") {
			return true
		}
	}
	return false
}

func decodeSegmentList(list []interface{}) []Segment {
	segments := make([]Segment, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		seg := Segment{Data: map[string]interface{}{}}
		seg.Type, _ = m["type"].(string)
		if seg.Type == "" {
			seg.Type = "text"
		}
		if data, ok := m["data"].(map[string]interface{}); ok {
			seg.Data = data
		}
		segments = append(segments, seg)
	}
	return segments
}

func decodeRawMessage(raw json.RawMessage) []Segment {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return DecodeCQ(s)
	}
	var list []interface{}
	if err := json.Unmarshal(raw, &list); err == nil {
		return decodeSegmentList(list)
	}
	return []Segment{TextSegment(strings.TrimSpace(string(raw)))}
}

func literalText(message interface{}) string {
	switch m := message.(type) {
	case string:
		return m
	case json.RawMessage:
		var s string
		if err := json.Unmarshal(m, &s); err == nil {
			return s
		}
		return string(m)
	default:
		return fmt.Sprintf("%v", m)
	}
}

// FormatFileSize renders a byte count with binary prefixes and one
// decimal place, e.g. "512.0 B", "1.5 KB". Zero is "0 B".
func FormatFileSize(sizeBytes int64) string {
	if sizeBytes == 0 {
		return "0 B"
	}

	units := []string{"B", "KB", "MB", "GB"}
	size := float64(sizeBytes)
	i := 0
	for size >= 1024.0 && i < len(units)-1 {
		size /= 1024.0
		i++
	}
	return fmt.Sprintf("%.1f %s", size, units[i])
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
