package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/hray3182/concierge/internal/format"
	"github.com/hray3182/concierge/internal/models"
)

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramSender delivers to a chat id through the Bot API.
type TelegramSender struct {
	api telegramAPI
}

func NewTelegramSender(api telegramAPI) *TelegramSender {
	return &TelegramSender{api: api}
}

func (s *TelegramSender) Send(ctx context.Context, identity *models.CommIdentity, text string) (Receipt, error) {
	chatID, err := strconv.ParseInt(strings.TrimSpace(identity.IdentityValue), 10, 64)
	if err != nil {
		return Receipt{}, Permanent(models.ChannelTelegram, fmt.Errorf("invalid chat id %q", identity.IdentityValue))
	}
	if err := ctx.Err(); err != nil {
		return Receipt{}, Transient(models.ChannelTelegram, err)
	}

	rendered := format.Telegram(text)
	msg := tgbotapi.NewMessage(chatID, rendered.Text)
	msg.Entities = rendered.Entities

	sent, err := s.api.Send(msg)
	if err != nil {
		return Receipt{}, classifyTelegram(err)
	}
	return Receipt{ExternalID: strconv.Itoa(sent.MessageID)}, nil
}

// classifyTelegram treats rejected chats (bad request, bot blocked, chat
// missing) as permanent and everything else as transient.
func classifyTelegram(err error) error {
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		return Transient(models.ChannelTelegram, err)
	}

	switch apiErr.Code {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return Permanent(models.ChannelTelegram, err)
	default:
		return Transient(models.ChannelTelegram, err)
	}
}
