package telegram

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/lupusmagist/mail2telegram/internal/mailbox"
)

const (
	// headerReserve is the share of the message limit kept for the header
	// lines; headerFieldLimit caps From and Subject so the header always
	// fits inside it. The body gets the rest.
	headerReserve    = 500
	headerFieldLimit = 200
	// captionLimit is the Bot API ceiling for photo captions.
	captionLimit   = 1024
	maxAlbumPhotos = 5
	requestTimeout = 60 * time.Second

	truncationNotice = "\n\n... (message truncated)"
)

// botAPI is the subset of *tgbotapi.BotAPI the bot uses. Tests substitute a
// fake implementation.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	SendMediaGroup(cfg tgbotapi.MediaGroupConfig) ([]tgbotapi.Message, error)
}

// Bot delivers mail notifications to a single Telegram chat or channel.
type Bot struct {
	api       botAPI
	chatID    int64  // numeric destination; 0 when channel is set
	channel   string // @channelname destination
	maxLength int
	logger    *slog.Logger
}

// New authenticates the token against the Bot API and resolves the
// destination chat. A bad token or chat ID fails here, before the first poll.
func New(token, chat string, maxLength int, logger *slog.Logger) (*Bot, error) {
	if maxLength <= headerReserve {
		return nil, fmt.Errorf("MAX_MESSAGE_LENGTH must be greater than %d, got %d", headerReserve, maxLength)
	}
	chatID, channel, err := parseChat(chat)
	if err != nil {
		return nil, err
	}
	api, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, &http.Client{Timeout: requestTimeout})
	if err != nil {
		return nil, fmt.Errorf("telegram auth: %w", err)
	}
	logger.Info("telegram bot authorized", "username", api.Self.UserName)
	return &Bot{
		api:       api,
		chatID:    chatID,
		channel:   channel,
		maxLength: maxLength,
		logger:    logger,
	}, nil
}

func parseChat(chat string) (int64, string, error) {
	if strings.HasPrefix(chat, "@") {
		return 0, chat, nil
	}
	id, err := strconv.ParseInt(chat, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("TELEGRAM_CHAT_ID must be numeric or start with @, got %q", chat)
	}
	return id, "", nil
}

// Send forwards one mail to the configured chat. A mail with images goes out
// as a photo or an album carrying the text as caption; if that fails, the
// text is sent on its own so the notification still arrives. Send returns an
// error only when no variant was delivered.
func (b *Bot) Send(ctx context.Context, msg mailbox.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	images := msg.Images
	if len(images) > maxAlbumPhotos {
		b.logger.Warn("too many images, sending first five",
			"msg_id", msg.ID, "count", len(images))
		images = images[:maxAlbumPhotos]
	}

	switch len(images) {
	case 0:
	case 1:
		if err := b.sendPhoto(images[0], b.compose(msg, captionLimit)); err != nil {
			b.logger.Warn("photo send failed, falling back to text",
				"msg_id", msg.ID, "error", err)
			break
		}
		return nil
	default:
		if err := b.sendAlbum(images, b.compose(msg, captionLimit)); err != nil {
			b.logger.Warn("album send failed, falling back to text",
				"msg_id", msg.ID, "error", err)
			break
		}
		return nil
	}

	return b.sendText(b.compose(msg, b.maxLength))
}

func (b *Bot) sendText(text string) error {
	cfg := tgbotapi.NewMessage(b.chatID, text)
	cfg.ChannelUsername = b.channel
	cfg.ParseMode = tgbotapi.ModeHTML
	cfg.DisableWebPagePreview = true
	if _, err := b.api.Send(cfg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

func (b *Bot) sendPhoto(img mailbox.Attachment, caption string) error {
	cfg := tgbotapi.NewPhoto(b.chatID, tgbotapi.FileBytes{Name: img.Filename, Bytes: img.Data})
	cfg.ChannelUsername = b.channel
	cfg.Caption = caption
	cfg.ParseMode = tgbotapi.ModeHTML
	if _, err := b.api.Send(cfg); err != nil {
		return fmt.Errorf("telegram send photo: %w", err)
	}
	return nil
}

func (b *Bot) sendAlbum(images []mailbox.Attachment, caption string) error {
	media := make([]interface{}, 0, len(images))
	for i, img := range images {
		photo := tgbotapi.NewInputMediaPhoto(tgbotapi.FileBytes{Name: img.Filename, Bytes: img.Data})
		if i == 0 {
			photo.Caption = caption
			photo.ParseMode = tgbotapi.ModeHTML
		}
		media = append(media, photo)
	}
	cfg := tgbotapi.NewMediaGroup(b.chatID, media)
	cfg.ChannelUsername = b.channel
	if _, err := b.api.SendMediaGroup(cfg); err != nil {
		return fmt.Errorf("telegram send album: %w", err)
	}
	return nil
}

// compose renders the notification text, truncating the sender, subject and
// body so the result stays under limit whatever the headers carry. Escaping
// happens after truncation so an entity is never cut in half.
func (b *Bot) compose(msg mailbox.Message, limit int) string {
	if limit > b.maxLength {
		limit = b.maxLength
	}
	sender := truncateRunes(msg.Sender, headerFieldLimit)
	subject := truncateRunes(msg.Subject, headerFieldLimit)
	body := msg.Body
	if body == "" {
		body = "No content"
	}
	if runes := []rune(body); len(runes) > limit-headerReserve {
		body = string(runes[:limit-headerReserve]) + truncationNotice
	}
	return fmt.Sprintf("📧 <b>New Email Received</b>\n\n<b>From:</b> %s\n<b>Subject:</b> %s\n<b>Content:</b>\n%s",
		html.EscapeString(sender), html.EscapeString(subject), html.EscapeString(body))
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}
