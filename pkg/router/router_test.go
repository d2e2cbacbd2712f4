package router

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/luoshen/wxbridge/pkg/config"
	"github.com/luoshen/wxbridge/pkg/convert"
	"github.com/luoshen/wxbridge/pkg/endpoint"
)

type apiResponse struct {
	echo    interface{}
	data    interface{}
	retcode int
	status  string
}

type fakeClient struct {
	mu        sync.Mutex
	sent      []interface{}
	responses []apiResponse
	connected bool
	failSend  bool
}

func (f *fakeClient) Send(v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend {
		return fmt.Errorf("send failed")
	}
	f.sent = append(f.sent, v)
	return nil
}

func (f *fakeClient) SendAPIResponse(echo interface{}, data interface{}, retcode int, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, apiResponse{echo, data, retcode, status})
}

func (f *fakeClient) IsConnected() bool { return f.connected }

func (f *fakeClient) lastResponse(t *testing.T) apiResponse {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.responses) == 0 {
		t.Fatal("no API response sent")
	}
	return f.responses[len(f.responses)-1]
}

type fakeEndpoint struct {
	mu       sync.Mutex
	sent     []endpoint.OutboundMessage
	failSend bool
}

func (f *fakeEndpoint) Name() string                            { return "fake" }
func (f *fakeEndpoint) Start(ctx context.Context) error         { return nil }
func (f *fakeEndpoint) Stop(ctx context.Context) error          { return nil }
func (f *fakeEndpoint) IsRunning() bool                         { return true }
func (f *fakeEndpoint) SetHandler(handler endpoint.InboundHandler) {}

func (f *fakeEndpoint) Send(ctx context.Context, msg endpoint.OutboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend {
		return fmt.Errorf("endpoint down")
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeEndpoint) lastSent(t *testing.T) endpoint.OutboundMessage {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		t.Fatal("nothing delivered to endpoint")
	}
	return f.sent[len(f.sent)-1]
}

func testRouter(t *testing.T) (*Router, *fakeClient, *fakeEndpoint) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Chat.Mappings = mustMappings(t, `["alice", {"nickname":"bob","user_id":"222"}, {"nickname":"carol","user_id":"333","enabled":false}]`)

	conv := convert.New(convert.Options{
		SelfID:        "bridge_bot",
		SelfNickname:  "Bridge Bot",
		ImageCacheDir: filepath.Join(t.TempDir(), "images"),
		VoiceCacheDir: filepath.Join(t.TempDir(), "voices"),
	})

	client := &fakeClient{connected: true}
	ep := &fakeEndpoint{}
	return New(cfg, conv, client, ep), client, ep
}

func mustMappings(t *testing.T, raw string) []config.IdentityMapping {
	t.Helper()
	var mappings []config.IdentityMapping
	if err := json.Unmarshal([]byte(raw), &mappings); err != nil {
		t.Fatalf("parse mappings: %v", err)
	}
	return mappings
}

func apiFrame(t *testing.T, action string, params map[string]interface{}, echo interface{}) []byte {
	t.Helper()
	frame := map[string]interface{}{"action": action, "params": params}
	if echo != nil {
		frame["echo"] = echo
	}
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestChatMessageUnmappedDropped(t *testing.T) {
	r, client, _ := testRouter(t)

	r.HandleChatMessage(endpoint.ChatMessage{SenderName: "stranger", Content: "hi"})

	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.sent) != 0 {
		t.Errorf("unmapped sender forwarded: %v", client.sent)
	}
}

func TestChatMessageDisabledMappingDropped(t *testing.T) {
	r, client, _ := testRouter(t)

	r.HandleChatMessage(endpoint.ChatMessage{SenderName: "carol", Content: "hi"})

	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.sent) != 0 {
		t.Error("disabled mapping forwarded")
	}
}

func TestChatMessageForwardedWithMappedIdentity(t *testing.T) {
	r, client, _ := testRouter(t)

	r.HandleChatMessage(endpoint.ChatMessage{
		SenderName: "bob",
		Kind:       endpoint.KindText,
		Content:    "hello backend",
	})

	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.sent) != 1 {
		t.Fatalf("sent %d frames, want 1", len(client.sent))
	}
	event, ok := client.sent[0].(convert.MessageEvent)
	if !ok {
		t.Fatalf("sent frame is %T, want MessageEvent", client.sent[0])
	}
	if event.UserID != "222" {
		t.Errorf("user_id = %q, want mapped identity 222", event.UserID)
	}
	if event.RawMessage != "hello backend" {
		t.Errorf("raw_message = %q", event.RawMessage)
	}
}

func TestIdentityResolutionBothWays(t *testing.T) {
	r, _, _ := testRouter(t)

	m, ok := r.lookupByName("alice")
	if !ok || m.Identity() != "alice" {
		t.Errorf("alice resolves to %q, want alice", m.Identity())
	}

	if got := r.resolveDisplayName("222"); got != "bob" {
		t.Errorf("resolveDisplayName(222) = %q, want bob", got)
	}
	if got := r.resolveDisplayName("999"); got != "999" {
		t.Errorf("resolveDisplayName(999) = %q, want identity fallback", got)
	}
}

func TestSendPrivateMsgSuccess(t *testing.T) {
	r, client, ep := testRouter(t)

	r.HandleInboundFrame(apiFrame(t, "send_private_msg", map[string]interface{}{
		"user_id": "222",
		"message": "hi bob",
	}, "corr-1"))

	out := ep.lastSent(t)
	if out.To != "bob" || out.Content != "hi bob" {
		t.Errorf("delivered = %+v", out)
	}

	resp := client.lastResponse(t)
	if resp.retcode != convert.RetcodeOK || resp.status != "ok" {
		t.Errorf("response = %+v", resp)
	}
	if resp.echo != "corr-1" {
		t.Errorf("echo = %v, want corr-1", resp.echo)
	}
	data, _ := resp.data.(map[string]interface{})
	msgID, _ := data["message_id"].(int64)
	if msgID <= 0 {
		t.Fatalf("message_id = %v, want positive", data["message_id"])
	}
	if !r.sent.Seen(fmt.Sprintf("%d", msgID), r.nowFunc()) {
		t.Error("message_id not recorded in sent cache")
	}
}

func TestSendPrivateMsgMissingMessage(t *testing.T) {
	r, client, _ := testRouter(t)

	r.HandleInboundFrame(apiFrame(t, "send_private_msg", map[string]interface{}{
		"user_id": "222",
	}, "corr-2"))

	resp := client.lastResponse(t)
	if resp.retcode != convert.RetcodeBadRequest {
		t.Errorf("retcode = %d, want 1400", resp.retcode)
	}
	if resp.echo != "corr-2" {
		t.Errorf("echo = %v, want corr-2", resp.echo)
	}
	if resp.status != "failed" {
		t.Errorf("status = %q, want failed", resp.status)
	}
}

func TestSendPrivateMsgEmptyMessageRejected(t *testing.T) {
	tests := []struct {
		name    string
		message interface{}
	}{
		{"empty string", ""},
		{"empty segment list", []interface{}{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, client, ep := testRouter(t)

			r.HandleInboundFrame(apiFrame(t, "send_private_msg", map[string]interface{}{
				"user_id": "222",
				"message": tt.message,
			}, "corr-empty"))

			resp := client.lastResponse(t)
			if resp.retcode != convert.RetcodeBadRequest {
				t.Errorf("retcode = %d, want 1400", resp.retcode)
			}
			if resp.echo != "corr-empty" {
				t.Errorf("echo = %v, want corr-empty", resp.echo)
			}

			ep.mu.Lock()
			defer ep.mu.Unlock()
			if len(ep.sent) != 0 {
				t.Errorf("empty message delivered to endpoint: %v", ep.sent)
			}
		})
	}
}

func TestSendPrivateMsgMissingUserID(t *testing.T) {
	r, client, _ := testRouter(t)

	r.HandleInboundFrame(apiFrame(t, "send_private_msg", map[string]interface{}{
		"message": "hi",
	}, "corr-3"))

	if resp := client.lastResponse(t); resp.retcode != convert.RetcodeBadRequest {
		t.Errorf("retcode = %d, want 1400", resp.retcode)
	}
}

func TestSendPrivateMsgNumericUserID(t *testing.T) {
	r, client, ep := testRouter(t)

	r.HandleInboundFrame(apiFrame(t, "send_private_msg", map[string]interface{}{
		"user_id": 222,
		"message": "numeric id",
	}, "corr-4"))

	if out := ep.lastSent(t); out.To != "bob" {
		t.Errorf("to = %q, want bob via numeric id", out.To)
	}
	if resp := client.lastResponse(t); resp.retcode != convert.RetcodeOK {
		t.Errorf("retcode = %d, want 0", resp.retcode)
	}
}

func TestSendPrivateMsgEndpointFailure(t *testing.T) {
	r, client, ep := testRouter(t)
	ep.failSend = true

	r.HandleInboundFrame(apiFrame(t, "send_private_msg", map[string]interface{}{
		"user_id": "222",
		"message": "hi",
	}, "corr-5"))

	resp := client.lastResponse(t)
	if resp.retcode != convert.RetcodeInternalErr {
		t.Errorf("retcode = %d, want 1500", resp.retcode)
	}
	if resp.echo != "corr-5" {
		t.Errorf("echo = %v", resp.echo)
	}
}

func TestSendMsgDispatch(t *testing.T) {
	tests := []struct {
		name        string
		messageType interface{}
		wantRetcode int
	}{
		{"private delegates", "private", convert.RetcodeOK},
		{"group rejected", "group", convert.RetcodeNotFound},
		{"unknown type", "channel", convert.RetcodeBadRequest},
		{"missing type", nil, convert.RetcodeBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, client, _ := testRouter(t)
			params := map[string]interface{}{
				"user_id": "222",
				"message": "hi",
			}
			if tt.messageType != nil {
				params["message_type"] = tt.messageType
			}
			r.HandleInboundFrame(apiFrame(t, "send_msg", params, "e"))

			resp := client.lastResponse(t)
			if resp.retcode != tt.wantRetcode {
				t.Errorf("retcode = %d, want %d", resp.retcode, tt.wantRetcode)
			}
			if resp.echo != "e" {
				t.Errorf("echo = %v, want e", resp.echo)
			}
		})
	}
}

func TestUnsupportedVerb(t *testing.T) {
	r, client, _ := testRouter(t)

	r.HandleInboundFrame(apiFrame(t, "send_group_msg", map[string]interface{}{
		"group_id": "1",
	}, "x"))

	resp := client.lastResponse(t)
	if resp.retcode != convert.RetcodeNotFound {
		t.Errorf("retcode = %d, want 1404", resp.retcode)
	}
	if resp.echo != "x" {
		t.Errorf("echo = %v, want x", resp.echo)
	}
}

func TestGetLoginInfo(t *testing.T) {
	r, client, _ := testRouter(t)

	r.HandleInboundFrame(apiFrame(t, "get_login_info", nil, "li"))

	resp := client.lastResponse(t)
	if resp.retcode != convert.RetcodeOK {
		t.Fatalf("retcode = %d", resp.retcode)
	}
	data, _ := resp.data.(map[string]interface{})
	if data["user_id"] != "bridge_bot" || data["nickname"] != "Bridge Bot" {
		t.Errorf("login info = %v", data)
	}
}

func TestGetStatus(t *testing.T) {
	r, client, _ := testRouter(t)
	client.connected = true

	r.HandleInboundFrame(apiFrame(t, "get_status", nil, "st"))

	resp := client.lastResponse(t)
	data, _ := resp.data.(map[string]interface{})
	if data["online"] != true {
		t.Errorf("online = %v, want true", data["online"])
	}
}

func TestEchoPreservedVerbatim(t *testing.T) {
	r, client, _ := testRouter(t)

	// Empty-string echo must come back as the empty string.
	r.HandleInboundFrame([]byte(`{"action":"get_status","echo":""}`))
	if resp := client.lastResponse(t); resp.echo != "" {
		t.Errorf("echo = %v, want empty string", resp.echo)
	}

	// Numeric echo stays numeric.
	r.HandleInboundFrame([]byte(`{"action":"get_status","echo":7}`))
	if resp := client.lastResponse(t); resp.echo != float64(7) {
		t.Errorf("echo = %v (%T), want 7", resp.echo, resp.echo)
	}
}

func TestEchoDedupSkipsOwnDelivery(t *testing.T) {
	r, client, _ := testRouter(t)

	r.HandleInboundFrame(apiFrame(t, "send_private_msg", map[string]interface{}{
		"user_id": "222",
		"message": "round trip",
	}, "d1"))

	// The endpoint echoes our own delivery back as an inbound chat
	// message; it must not be forwarded again.
	r.HandleChatMessage(endpoint.ChatMessage{
		SenderName: "bob",
		Kind:       endpoint.KindText,
		Content:    "round trip",
	})

	client.mu.Lock()
	forwarded := len(client.sent)
	client.mu.Unlock()
	if forwarded != 0 {
		t.Errorf("echo was forwarded to backend %d times", forwarded)
	}

	// A genuinely new message from the same sender still goes through.
	r.HandleChatMessage(endpoint.ChatMessage{
		SenderName: "bob",
		Kind:       endpoint.KindText,
		Content:    "something new",
	})
	client.mu.Lock()
	forwarded = len(client.sent)
	client.mu.Unlock()
	if forwarded != 1 {
		t.Errorf("new message forwarded %d times, want 1", forwarded)
	}
}

func TestMediaFlagDegradesToText(t *testing.T) {
	r, client, ep := testRouter(t)
	r.cfg.Message.EnableImage = false

	dir := t.TempDir()
	path := filepath.Join(dir, "pic.png")
	if err := os.WriteFile(path, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}

	r.HandleInboundFrame(apiFrame(t, "send_private_msg", map[string]interface{}{
		"user_id": "222",
		"message": "[CQ:image,file=" + path + "]",
	}, "m1"))

	out := ep.lastSent(t)
	if out.Kind != endpoint.KindText {
		t.Errorf("kind = %q, want degraded text", out.Kind)
	}
	if len(out.Attachments) != 0 {
		t.Errorf("attachments = %v, want none", out.Attachments)
	}
	if resp := client.lastResponse(t); resp.retcode != convert.RetcodeOK {
		t.Errorf("retcode = %d", resp.retcode)
	}
}

func TestReplyMessageBestEffort(t *testing.T) {
	r, client, ep := testRouter(t)

	r.HandleInboundFrame([]byte(`{"user_id":"222","content":"plain reply"}`))

	out := ep.lastSent(t)
	if out.To != "bob" || out.Content != "plain reply" {
		t.Errorf("delivered = %+v", out)
	}
	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.responses) != 0 {
		t.Error("best-effort reply produced an API response")
	}
}

func TestReplyMessageMissingFieldsDropped(t *testing.T) {
	r, _, ep := testRouter(t)

	r.HandleInboundFrame([]byte(`{"something":"else"}`))
	r.HandleInboundFrame([]byte(`{"user_id":"222"}`))

	ep.mu.Lock()
	defer ep.mu.Unlock()
	if len(ep.sent) != 0 {
		t.Errorf("unroutable frames delivered: %v", ep.sent)
	}
}

func TestMessageEventAndResponseFramesLoggedOnly(t *testing.T) {
	r, client, ep := testRouter(t)

	r.HandleInboundFrame([]byte(`{"post_type":"message","message":"loop"}`))
	r.HandleInboundFrame([]byte(`{"echo":"prev","status":"ok","retcode":0}`))

	ep.mu.Lock()
	delivered := len(ep.sent)
	ep.mu.Unlock()
	client.mu.Lock()
	responded := len(client.responses)
	client.mu.Unlock()

	if delivered != 0 || responded != 0 {
		t.Errorf("log-only frames caused side effects: delivered=%d responded=%d", delivered, responded)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	r, _, ep := testRouter(t)

	ctx := context.Background()
	r.Start(ctx)
	r.Start(ctx)
	if !r.IsRunning() {
		t.Fatal("router not running after Start")
	}

	r.EnqueueFrame([]byte(`{"user_id":"222","content":"via queue"}`))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ep.mu.Lock()
		n := len(ep.sent)
		ep.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if out := ep.lastSent(t); out.Content != "via queue" {
		t.Errorf("queued frame delivered %+v", out)
	}

	r.Stop()
	r.Stop()
	if r.IsRunning() {
		t.Error("router still running after Stop")
	}
}
