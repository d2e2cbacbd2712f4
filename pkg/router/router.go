// Package router classifies inbound protocol frames, resolves identity
// mappings between the chat surface and the protocol side, deduplicates
// echo traffic and executes the supported API verbs.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/luoshen/wxbridge/pkg/config"
	"github.com/luoshen/wxbridge/pkg/convert"
	"github.com/luoshen/wxbridge/pkg/endpoint"
	"github.com/luoshen/wxbridge/pkg/logger"
	"github.com/luoshen/wxbridge/pkg/utils"
)

const (
	inboundQueueCap  = 256
	sentCacheTTL     = time.Hour
	pruneInterval    = 5 * time.Minute
	housekeepingTick = time.Second
)

// SocketClient is the slice of the WebSocket client the router needs.
type SocketClient interface {
	Send(v interface{}) error
	SendAPIResponse(echo interface{}, data interface{}, retcode int, status string)
	IsConnected() bool
}

type Router struct {
	cfg    *config.Config
	conv   *convert.Converter
	client SocketClient
	ep     endpoint.Endpoint

	sent      *SentCache
	queue     chan []byte
	running   bool
	cancel    context.CancelFunc
	lastPrune time.Time
	mu        sync.Mutex

	nowFunc func() time.Time
}

func New(cfg *config.Config, conv *convert.Converter, client SocketClient, ep endpoint.Endpoint) *Router {
	return &Router{
		cfg:     cfg,
		conv:    conv,
		client:  client,
		ep:      ep,
		sent:    NewSentCache(sentCacheTTL),
		queue:   make(chan []byte, inboundQueueCap),
		nowFunc: time.Now,
	}
}

// Start launches the frame-processing loop. No-op when already running.
func (r *Router) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true
	r.lastPrune = r.nowFunc()
	r.mu.Unlock()

	go r.processLoop(runCtx)
	logger.InfoC("router", "Message router started")
}

func (r *Router) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	r.running = false
	r.cancel()
	logger.InfoC("router", "Message router stopped")
}

func (r *Router) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// EnqueueFrame accepts a raw inbound frame; registered as the socket
// client's message callback. A full queue drops the frame with a warning
// rather than blocking the receive path.
func (r *Router) EnqueueFrame(payload []byte) {
	select {
	case r.queue <- payload:
	default:
		logger.WarnCF("router", "Inbound queue full, dropping frame", map[string]interface{}{
			"length": len(payload),
		})
	}
}

// processLoop drains the inbound queue; the housekeeping tick wakes it
// periodically so the sent cache gets pruned even when traffic is idle.
func (r *Router) processLoop(ctx context.Context) {
	ticker := time.NewTicker(housekeepingTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-r.queue:
			r.HandleInboundFrame(payload)
		case <-ticker.C:
			r.maybePrune()
		}
	}
}

func (r *Router) maybePrune() {
	now := r.nowFunc()
	r.mu.Lock()
	due := now.Sub(r.lastPrune) >= pruneInterval
	if due {
		r.lastPrune = now
	}
	r.mu.Unlock()

	if !due {
		return
	}
	if dropped := r.sent.Prune(now); dropped > 0 {
		logger.DebugCF("router", "Pruned sent-message cache", map[string]interface{}{
			"dropped": dropped,
		})
	}
}

// HandleChatMessage forwards a local chat message to the backend. Senders
// without an enabled identity mapping are dropped silently; echoes of our
// own recent deliveries are skipped.
func (r *Router) HandleChatMessage(msg endpoint.ChatMessage) {
	mapping, ok := r.lookupByName(msg.SenderName)
	if !ok {
		logger.DebugCF("router", "Sender not in mapping list, ignoring", map[string]interface{}{
			"sender": msg.SenderName,
		})
		return
	}

	if msg.Kind == endpoint.KindText && r.sent.Seen(contentKey(msg.SenderName, msg.Content), r.nowFunc()) {
		logger.DebugCF("router", "Skipping echo of recently sent message", map[string]interface{}{
			"sender": msg.SenderName,
		})
		return
	}

	msg.SenderID = mapping.Identity()
	event := r.conv.ChatToEvent(msg)

	if err := r.client.Send(event); err != nil {
		logger.WarnCF("router", "Forward to backend failed", map[string]interface{}{
			"sender": msg.SenderName,
			"error":  err.Error(),
		})
		return
	}

	logger.InfoCF("router", "Message forwarded", map[string]interface{}{
		"sender":  msg.SenderName,
		"kind":    string(msg.Kind),
		"preview": utils.Truncate(msg.Content, 80),
	})
}

// HandleInboundFrame classifies one frame, in precedence order: API
// request, unexpected message event, API response, then best-effort reply.
func (r *Router) HandleInboundFrame(payload []byte) {
	switch {
	case gjson.GetBytes(payload, "action").Exists():
		r.handleAPIRequest(payload)

	case gjson.GetBytes(payload, "post_type").String() == "message":
		logger.DebugCF("router", "Unexpected message event from backend", map[string]interface{}{
			"payload": utils.Truncate(string(payload), 200),
		})

	case gjson.GetBytes(payload, "echo").Exists():
		logger.DebugCF("router", "API response received", map[string]interface{}{
			"echo":    gjson.GetBytes(payload, "echo").String(),
			"status":  gjson.GetBytes(payload, "status").String(),
			"retcode": gjson.GetBytes(payload, "retcode").Int(),
		})

	default:
		r.handleReplyMessage(payload)
	}
}

func (r *Router) handleAPIRequest(payload []byte) {
	var req struct {
		Action string                 `json:"action"`
		Params map[string]interface{} `json:"params"`
		Echo   interface{}            `json:"echo"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		// Echo cannot be determined from a broken frame, so no response.
		logger.WarnCF("router", "Unparseable API request", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			logger.ErrorCF("router", "API handler panicked", map[string]interface{}{
				"action": req.Action,
				"panic":  fmt.Sprintf("%v", rec),
			})
			r.client.SendAPIResponse(req.Echo, map[string]interface{}{
				"message": "internal error",
			}, convert.RetcodeInternalErr, "failed")
		}
	}()

	logger.DebugCF("router", "API request", map[string]interface{}{
		"action": req.Action,
	})

	switch req.Action {
	case "send_private_msg":
		r.handleSendPrivateMsg(req.Params, req.Echo)

	case "send_msg":
		switch stringParam(req.Params["message_type"]) {
		case "private":
			r.handleSendPrivateMsg(req.Params, req.Echo)
		case "group":
			r.respondError(req.Echo, convert.RetcodeNotFound, "group message not supported")
		default:
			r.respondError(req.Echo, convert.RetcodeBadRequest, "invalid message_type")
		}

	case "get_login_info":
		r.client.SendAPIResponse(req.Echo, map[string]interface{}{
			"user_id":  r.conv.SelfID(),
			"nickname": r.conv.SelfNickname(),
		}, convert.RetcodeOK, "ok")

	case "get_status":
		connected := r.client.IsConnected()
		r.client.SendAPIResponse(req.Echo, map[string]interface{}{
			"online": connected,
			"good":   connected,
		}, convert.RetcodeOK, "ok")

	default:
		r.respondError(req.Echo, convert.RetcodeNotFound, "unsupported action: "+req.Action)
	}
}

func (r *Router) handleSendPrivateMsg(params map[string]interface{}, echo interface{}) {
	identity := stringParam(params["user_id"])
	if identity == "" {
		r.respondError(echo, convert.RetcodeBadRequest, "user_id is required")
		return
	}

	message, hasMessage := params["message"]
	if !hasMessage || !messagePresent(message) {
		r.respondError(echo, convert.RetcodeBadRequest, "message is required")
		return
	}

	autoEscape := boolParam(params["auto_escape"])
	display := r.resolveDisplayName(identity)

	out := r.conv.MessageToChat(message, display, autoEscape)
	out = r.applyMediaFlags(out)

	if err := r.ep.Send(context.Background(), out); err != nil {
		logger.WarnCF("router", "Delivery to chat endpoint failed", map[string]interface{}{
			"to":    display,
			"error": err.Error(),
		})
		r.respondError(echo, convert.RetcodeInternalErr, "send failed")
		return
	}

	now := r.nowFunc()
	messageID := convert.NextMessageID(now)
	r.sent.Record(strconv.FormatInt(messageID, 10), now)
	r.sent.Record(contentKey(display, out.Content), now)

	r.client.SendAPIResponse(echo, map[string]interface{}{
		"message_id": messageID,
	}, convert.RetcodeOK, "ok")

	logger.InfoCF("router", "Message delivered", map[string]interface{}{
		"to":         display,
		"message_id": messageID,
	})
}

// handleReplyMessage delivers a bare frame carrying user_id plus message
// or content. No API response is produced for this shape.
func (r *Router) handleReplyMessage(payload []byte) {
	var frame map[string]interface{}
	if err := json.Unmarshal(payload, &frame); err != nil {
		logger.WarnCF("router", "Unclassifiable frame", map[string]interface{}{
			"payload": utils.Truncate(string(payload), 200),
		})
		return
	}

	identity := stringParam(frame["user_id"])
	message, ok := frame["message"]
	if !ok {
		message, ok = frame["content"]
	}
	if identity == "" || !ok || !messagePresent(message) {
		logger.WarnCF("router", "Dropping frame without user_id and message", map[string]interface{}{
			"payload": utils.Truncate(string(payload), 200),
		})
		return
	}

	display := r.resolveDisplayName(identity)
	out := r.applyMediaFlags(r.conv.MessageToChat(message, display, false))

	if err := r.ep.Send(context.Background(), out); err != nil {
		logger.WarnCF("router", "Best-effort delivery failed", map[string]interface{}{
			"to":    display,
			"error": err.Error(),
		})
		return
	}
	r.sent.Record(contentKey(display, out.Content), r.nowFunc())
}

func (r *Router) respondError(echo interface{}, retcode int, message string) {
	r.client.SendAPIResponse(echo, map[string]interface{}{
		"message": message,
	}, retcode, "failed")
}

// applyMediaFlags degrades media kinds that are disabled in the config to
// plain text, keeping the flattened placeholders.
func (r *Router) applyMediaFlags(out endpoint.OutboundMessage) endpoint.OutboundMessage {
	msgCfg := r.cfg.Message

	disabled := out.Kind == endpoint.KindImage && !msgCfg.EnableImage ||
		out.Kind == endpoint.KindFile && !msgCfg.EnableFile ||
		out.Kind == endpoint.KindVoice && !msgCfg.EnableVoice

	if disabled {
		logger.DebugCF("router", "Media kind disabled, degrading to text", map[string]interface{}{
			"kind": string(out.Kind),
		})
		out.Kind = endpoint.KindText
		out.Attachments = nil
	}
	return out
}

// lookupByName finds the enabled mapping entry for a display name,
// accepting both the bare-string and object config shapes.
func (r *Router) lookupByName(name string) (config.IdentityMapping, bool) {
	for _, m := range r.cfg.Mappings() {
		if m.Nickname == name && m.Enabled {
			return m, true
		}
	}
	return config.IdentityMapping{}, false
}

// resolveDisplayName maps a protocol identity back to a display name,
// falling back to the identity itself when no entry matches.
func (r *Router) resolveDisplayName(identity string) string {
	for _, m := range r.cfg.Mappings() {
		if m.Identity() == identity {
			return m.Nickname
		}
	}
	return identity
}

// Status reports router-level counters for the admin surface.
func (r *Router) Status() map[string]interface{} {
	r.mu.Lock()
	running := r.running
	r.mu.Unlock()

	return map[string]interface{}{
		"running":            running,
		"inbound_queued":     len(r.queue),
		"sent_cache_entries": r.sent.Len(),
	}
}

func contentKey(display, content string) string {
	if content == "" {
		return ""
	}
	return display + "|" + content
}

func stringParam(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func boolParam(v interface{}) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t == "true" || t == "1"
	case float64:
		return t != 0
	default:
		return false
	}
}

// messagePresent reports whether a message param carries any content. An
// empty string and an empty segment array both count as missing.
func messagePresent(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return t != ""
	case []interface{}:
		return len(t) > 0
	default:
		return stringParam(v) != ""
	}
}
