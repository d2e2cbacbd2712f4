package endpoint

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chzyer/readline"
	"github.com/google/uuid"

	"github.com/luoshen/wxbridge/pkg/logger"
)

// ConsoleEndpoint is a terminal-backed chat surface. Each input line becomes
// a text ChatMessage; a few slash commands switch the simulated sender or
// attach local files:
//
//	/from <name>          switch the sender for subsequent lines
//	/image <path> [text]  send a local image
//	/file <path>          send a local file
//	/voice <path>         send a local voice clip
type ConsoleEndpoint struct {
	defaultSender string
	handler       InboundHandler
	rl            *readline.Instance
	out           io.Writer
	running       bool
	cancel        context.CancelFunc
	mu            sync.RWMutex
}

func NewConsoleEndpoint(defaultSender string) *ConsoleEndpoint {
	if defaultSender == "" {
		defaultSender = "operator"
	}
	return &ConsoleEndpoint{
		defaultSender: defaultSender,
		out:           os.Stdout,
	}
}

func (c *ConsoleEndpoint) Name() string {
	return "console"
}

func (c *ConsoleEndpoint) SetHandler(handler InboundHandler) {
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()
}

func (c *ConsoleEndpoint) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

func (c *ConsoleEndpoint) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          fmt.Sprintf("%s> ", c.defaultSender),
		HistoryFile:     filepath.Join(os.TempDir(), ".wxbridge_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("init readline: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.rl = rl
	c.cancel = cancel
	c.running = true
	c.mu.Unlock()

	go c.readLoop(runCtx)

	logger.InfoC("console", "Console endpoint started")
	return nil
}

func (c *ConsoleEndpoint) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return nil
	}
	c.running = false
	c.cancel()
	c.rl.Close()
	logger.InfoC("console", "Console endpoint stopped")
	return nil
}

func (c *ConsoleEndpoint) readLoop(ctx context.Context) {
	sender := c.defaultSender

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := c.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				return
			}
			logger.WarnCF("console", "Read error", map[string]interface{}{
				"error": err.Error(),
			})
			continue
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		msg, newSender, ok := c.parseLine(sender, input)
		if !ok {
			continue
		}
		if newSender != sender {
			sender = newSender
			c.rl.SetPrompt(fmt.Sprintf("%s> ", sender))
			continue
		}

		c.dispatch(msg)
	}
}

// parseLine turns one console line into a ChatMessage. The third result is
// false when the line was a no-op (bad command, missing file). A changed
// sender name with ok=true signals a /from switch.
func (c *ConsoleEndpoint) parseLine(sender, input string) (ChatMessage, string, bool) {
	if !strings.HasPrefix(input, "/") {
		return c.newMessage(sender, KindText, input, nil), sender, true
	}

	parts := strings.SplitN(input, " ", 3)
	cmd := parts[0]

	switch cmd {
	case "/from":
		if len(parts) < 2 || parts[1] == "" {
			fmt.Fprintln(c.out, "usage: /from <name>")
			return ChatMessage{}, sender, false
		}
		return ChatMessage{}, parts[1], true

	case "/image", "/file", "/voice":
		if len(parts) < 2 {
			fmt.Fprintf(c.out, "usage: %s <path>\n", cmd)
			return ChatMessage{}, sender, false
		}
		path := parts[1]
		info, err := os.Stat(path)
		if err != nil {
			fmt.Fprintf(c.out, "cannot read %s: %v\n", path, err)
			return ChatMessage{}, sender, false
		}
		caption := ""
		if len(parts) == 3 {
			caption = parts[2]
		}
		kind := map[string]Kind{"/image": KindImage, "/file": KindFile, "/voice": KindVoice}[cmd]
		att := []Attachment{{
			Name: filepath.Base(path),
			Path: path,
			Size: info.Size(),
		}}
		return c.newMessage(sender, kind, caption, att), sender, true

	default:
		fmt.Fprintf(c.out, "unknown command %s\n", cmd)
		return ChatMessage{}, sender, false
	}
}

func (c *ConsoleEndpoint) newMessage(sender string, kind Kind, content string, atts []Attachment) ChatMessage {
	return ChatMessage{
		SenderName:  sender,
		SenderID:    sender,
		MessageID:   uuid.NewString(),
		Timestamp:   time.Now(),
		Kind:        kind,
		Content:     content,
		Attachments: atts,
	}
}

func (c *ConsoleEndpoint) dispatch(msg ChatMessage) {
	c.mu.RLock()
	handler := c.handler
	c.mu.RUnlock()
	if handler == nil {
		return
	}
	handler(msg)
}

func (c *ConsoleEndpoint) Send(ctx context.Context, msg OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("console endpoint not running")
	}
	fmt.Fprintln(c.out, renderOutbound(msg))
	return nil
}

// renderOutbound formats a delivery for the terminal, one line per message
// plus one per attachment.
func renderOutbound(msg OutboundMessage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[to %s] %s", msg.To, msg.Content)
	for _, att := range msg.Attachments {
		ref := att.Path
		if ref == "" {
			ref = att.URL
		}
		fmt.Fprintf(&b, "\n[to %s] <%s: %s>", msg.To, msg.Kind, ref)
	}
	return b.String()
}
