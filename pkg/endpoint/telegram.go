package endpoint

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"

	"github.com/luoshen/wxbridge/pkg/logger"
)

// TelegramEndpoint exposes a Telegram bot as the local chat surface. Chat
// IDs are learned from incoming updates, so a contact must message the bot
// once before the bridge can deliver to them by name.
type TelegramEndpoint struct {
	bot     *tgbotapi.BotAPI
	handler InboundHandler
	chatIDs map[string]int64
	running bool
	cancel  context.CancelFunc
	mu      sync.RWMutex
}

func NewTelegramEndpoint(token string) (*TelegramEndpoint, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram auth: %w", err)
	}
	return &TelegramEndpoint{
		bot:     bot,
		chatIDs: make(map[string]int64),
	}, nil
}

func (t *TelegramEndpoint) Name() string {
	return "telegram"
}

func (t *TelegramEndpoint) SetHandler(handler InboundHandler) {
	t.mu.Lock()
	t.handler = handler
	t.mu.Unlock()
}

func (t *TelegramEndpoint) IsRunning() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.running
}

func (t *TelegramEndpoint) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.running = true
	t.mu.Unlock()

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := t.bot.GetUpdatesChan(u)

	go t.readLoop(runCtx, updates)

	logger.InfoCF("telegram", "Telegram endpoint started", map[string]interface{}{
		"bot": t.bot.Self.UserName,
	})
	return nil
}

func (t *TelegramEndpoint) Stop(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return nil
	}
	t.running = false
	t.cancel()
	t.bot.StopReceivingUpdates()
	logger.InfoC("telegram", "Telegram endpoint stopped")
	return nil
}

func (t *TelegramEndpoint) readLoop(ctx context.Context, updates tgbotapi.UpdatesChannel) {
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message == nil {
				continue
			}
			t.handleMessage(update.Message)
		}
	}
}

func (t *TelegramEndpoint) handleMessage(m *tgbotapi.Message) {
	name := senderName(m)

	t.mu.Lock()
	t.chatIDs[name] = m.Chat.ID
	handler := t.handler
	t.mu.Unlock()

	if handler == nil {
		return
	}

	msg := ChatMessage{
		SenderName: name,
		SenderID:   strconv.FormatInt(m.From.ID, 10),
		MessageID:  uuid.NewString(),
		Timestamp:  time.Unix(int64(m.Date), 0),
		Kind:       KindText,
		Content:    m.Text,
	}

	switch {
	case len(m.Photo) > 0:
		// Largest size is last in the slice.
		photo := m.Photo[len(m.Photo)-1]
		msg.Kind = KindImage
		msg.Content = m.Caption
		msg.Attachments = []Attachment{{
			Name: photo.FileID + ".jpg",
			URL:  t.fileURL(photo.FileID),
			Size: int64(photo.FileSize),
		}}
	case m.Document != nil:
		msg.Kind = KindFile
		msg.Content = m.Caption
		msg.Attachments = []Attachment{{
			Name: m.Document.FileName,
			URL:  t.fileURL(m.Document.FileID),
			Size: int64(m.Document.FileSize),
		}}
	case m.Voice != nil:
		msg.Kind = KindVoice
		msg.Attachments = []Attachment{{
			Name: m.Voice.FileID + ".ogg",
			URL:  t.fileURL(m.Voice.FileID),
			Size: int64(m.Voice.FileSize),
		}}
	case m.Text == "":
		return
	}

	handler(msg)
}

func (t *TelegramEndpoint) fileURL(fileID string) string {
	url, err := t.bot.GetFileDirectURL(fileID)
	if err != nil {
		logger.WarnCF("telegram", "Failed to resolve file URL", map[string]interface{}{
			"file_id": fileID,
			"error":   err.Error(),
		})
		return ""
	}
	return url
}

func (t *TelegramEndpoint) Send(ctx context.Context, msg OutboundMessage) error {
	t.mu.RLock()
	chatID, ok := t.chatIDs[msg.To]
	running := t.running
	t.mu.RUnlock()

	if !running {
		return fmt.Errorf("telegram endpoint not running")
	}
	if !ok {
		return fmt.Errorf("no known chat for %q, contact must message the bot first", msg.To)
	}

	var err error
	switch msg.Kind {
	case KindImage:
		if file, ferr := attachmentFile(msg.Attachments); ferr == nil {
			photo := tgbotapi.NewPhoto(chatID, file)
			photo.Caption = msg.Content
			_, err = t.bot.Send(photo)
		} else {
			err = ferr
		}
	case KindFile:
		if file, ferr := attachmentFile(msg.Attachments); ferr == nil {
			doc := tgbotapi.NewDocument(chatID, file)
			doc.Caption = msg.Content
			_, err = t.bot.Send(doc)
		} else {
			err = ferr
		}
	case KindVoice:
		if file, ferr := attachmentFile(msg.Attachments); ferr == nil {
			_, err = t.bot.Send(tgbotapi.NewVoice(chatID, file))
		} else {
			err = ferr
		}
	default:
		_, err = t.bot.Send(tgbotapi.NewMessage(chatID, msg.Content))
	}

	if err != nil {
		return fmt.Errorf("telegram send to %s: %w", msg.To, err)
	}
	return nil
}

func attachmentFile(atts []Attachment) (tgbotapi.RequestFileData, error) {
	if len(atts) == 0 {
		return nil, fmt.Errorf("media message without attachment")
	}
	att := atts[0]
	if att.Path != "" {
		return tgbotapi.FilePath(att.Path), nil
	}
	if att.URL != "" {
		return tgbotapi.FileURL(att.URL), nil
	}
	return nil, fmt.Errorf("attachment %q has no path or url", att.Name)
}

func senderName(m *tgbotapi.Message) string {
	if m.From == nil {
		return "unknown"
	}
	if m.From.UserName != "" {
		return m.From.UserName
	}
	name := m.From.FirstName
	if m.From.LastName != "" {
		name += " " + m.From.LastName
	}
	return name
}
