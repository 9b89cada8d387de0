// Package telegram adapts the Bot API client to the transport interfaces the
// pipeline and delivery router consume.
package telegram

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"tgrelay/internal/logger"
	"tgrelay/internal/mediakind"
	"tgrelay/internal/model"
	"tgrelay/internal/progress"
)

// Handler receives inbound traffic from the polling loop. OnCallback returns
// the toast text shown to the pressing user.
type Handler interface {
	OnMessage(ctx context.Context, userID, chatID int64, messageID int, text string)
	OnCallback(ctx context.Context, userID, chatID int64, messageID int, data string) string
}

// Bot wraps one Bot API session. It serves both as the primary transport and
// as the relay transport when a secondary token is configured.
type Bot struct {
	api *tgbotapi.BotAPI
}

// New connects a bot session. apiEndpoint overrides the cloud API base URL
// for self-hosted Bot API servers; empty means the public endpoint.
func New(token, apiEndpoint string) (*Bot, error) {
	endpoint := tgbotapi.APIEndpoint
	if apiEndpoint != "" {
		endpoint = strings.TrimRight(apiEndpoint, "/") + "/bot%s/%s"
	}
	api, err := tgbotapi.NewBotAPIWithAPIEndpoint(token, endpoint)
	if err != nil {
		return nil, fmt.Errorf("connect bot api: %w", err)
	}
	return &Bot{api: api}, nil
}

// Username returns the authenticated bot's username.
func (b *Bot) Username() string {
	return b.api.Self.UserName
}

// SendText sends a plain message and returns its ID.
func (b *Bot) SendText(ctx context.Context, chatID int64, text string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	msg, err := b.api.Send(tgbotapi.NewMessage(chatID, text))
	if err != nil {
		return 0, fmt.Errorf("send message: %w", err)
	}
	return msg.MessageID, nil
}

// EditText replaces the text of an existing message.
func (b *Bot) EditText(ctx context.Context, chatID int64, messageID int, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := b.api.Send(tgbotapi.NewEditMessageText(chatID, messageID, text)); err != nil {
		return fmt.Errorf("edit message: %w", err)
	}
	return nil
}

// DeleteMessage removes a message.
func (b *Bot) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := b.api.Request(tgbotapi.NewDeleteMessage(chatID, messageID)); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// EditButtons replaces a message's text and inline keyboard. An empty rows
// slice clears the keyboard.
func (b *Bot) EditButtons(ctx context.Context, chatID int64, messageID int, text string, rows [][]model.Button) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(rows) == 0 {
		return b.EditText(ctx, chatID, messageID, text)
	}
	var kbRows [][]tgbotapi.InlineKeyboardButton
	for _, row := range rows {
		var kbRow []tgbotapi.InlineKeyboardButton
		for _, btn := range row {
			kbRow = append(kbRow, tgbotapi.NewInlineKeyboardButtonData(btn.Label, btn.Data))
		}
		kbRows = append(kbRows, kbRow)
	}
	markup := tgbotapi.NewInlineKeyboardMarkup(kbRows...)
	if _, err := b.api.Send(tgbotapi.NewEditMessageTextAndMarkup(chatID, messageID, text, markup)); err != nil {
		return fmt.Errorf("edit buttons: %w", err)
	}
	return nil
}

// SendFile uploads the artifact with the upload method matching its kind and
// returns the sent message ID. Read progress is published to sink per chunk;
// the caller decides the publish rate.
func (b *Bot) SendFile(ctx context.Context, chatID int64, kind mediakind.Kind, art model.Artifact, caption string, sink progress.Sink) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f, err := os.Open(art.Path)
	if err != nil {
		return 0, fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	file := tgbotapi.FileReader{
		Name: art.Filename,
		Reader: &progressReader{
			r:     f,
			total: art.Bytes,
			sink:  sink,
		},
	}

	var msg tgbotapi.Message
	switch kind {
	case mediakind.Video:
		c := tgbotapi.NewVideo(chatID, file)
		c.Caption = caption
		c.SupportsStreaming = true
		msg, err = b.api.Send(c)
	case mediakind.Audio:
		c := tgbotapi.NewAudio(chatID, file)
		c.Caption = caption
		msg, err = b.api.Send(c)
	case mediakind.Image:
		c := tgbotapi.NewPhoto(chatID, file)
		c.Caption = caption
		msg, err = b.api.Send(c)
	default:
		c := tgbotapi.NewDocument(chatID, file)
		c.Caption = caption
		msg, err = b.api.Send(c)
	}
	if err != nil {
		return 0, fmt.Errorf("send %s: %w", kind, err)
	}
	return msg.MessageID, nil
}

// CopyMessage re-projects a message into another chat without a forward
// header.
func (b *Bot) CopyMessage(ctx context.Context, toChatID, fromChatID int64, messageID int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := b.api.CopyMessage(tgbotapi.NewCopyMessage(toChatID, fromChatID, messageID)); err != nil {
		return fmt.Errorf("copy message: %w", err)
	}
	return nil
}

// Run polls for updates until ctx is cancelled, dispatching each update on
// its own goroutine so a slow transfer never blocks other users.
func (b *Bot) Run(ctx context.Context, h Handler) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := b.api.GetUpdatesChan(u)
	logger.Info("bot polling started", "username", b.Username())

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return ctx.Err()
		case upd, ok := <-updates:
			if !ok {
				return nil
			}
			go b.dispatch(ctx, h, upd)
		}
	}
}

func (b *Bot) dispatch(ctx context.Context, h Handler, upd tgbotapi.Update) {
	switch {
	case upd.Message != nil && upd.Message.From != nil:
		m := upd.Message
		h.OnMessage(ctx, m.From.ID, m.Chat.ID, m.MessageID, m.Text)
	case upd.CallbackQuery != nil:
		cq := upd.CallbackQuery
		var chatID int64
		var messageID int
		if cq.Message != nil {
			chatID = cq.Message.Chat.ID
			messageID = cq.Message.MessageID
		}
		toast := h.OnCallback(ctx, cq.From.ID, chatID, messageID, cq.Data)
		if _, err := b.api.Request(tgbotapi.NewCallback(cq.ID, toast)); err != nil {
			logger.Debug("callback answer failed", "error", err)
		}
	}
}

// progressReader counts bytes handed to the uploader and publishes raw
// samples. Rate limiting is the sink's concern.
type progressReader struct {
	r     io.Reader
	total int64
	done  int64
	sink  progress.Sink
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	if n > 0 {
		p.done += int64(n)
		if p.sink != nil {
			p.sink.Publish(progress.Sample{Done: p.done, Total: p.total})
		}
	}
	return n, err
}
