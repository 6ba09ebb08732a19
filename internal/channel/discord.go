package channel

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/hray3182/concierge/internal/models"
)

type discordAPI interface {
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// DiscordSender delivers direct messages to a Discord user id.
type DiscordSender struct {
	session discordAPI
}

func NewDiscordSender(session discordAPI) *DiscordSender {
	return &DiscordSender{session: session}
}

func (s *DiscordSender) Send(ctx context.Context, identity *models.CommIdentity, text string) (Receipt, error) {
	userID := strings.TrimSpace(identity.IdentityValue)
	if userID == "" {
		return Receipt{}, Permanent(models.ChannelDiscord, errors.New("empty discord user id"))
	}

	dm, err := s.session.UserChannelCreate(userID, discordgo.WithContext(ctx))
	if err != nil {
		return Receipt{}, classifyDiscord(err)
	}

	msg, err := s.session.ChannelMessageSendComplex(dm.ID, &discordgo.MessageSend{
		Content: truncate(text, 2000),
	}, discordgo.WithContext(ctx))
	if err != nil {
		return Receipt{}, classifyDiscord(err)
	}
	return Receipt{ExternalID: msg.ID}, nil
}

func classifyDiscord(err error) error {
	var rateErr *discordgo.RateLimitError
	if errors.As(err, &rateErr) {
		return Transient(models.ChannelDiscord, err)
	}

	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		switch restErr.Response.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			return Permanent(models.ChannelDiscord, err)
		}
	}
	return Transient(models.ChannelDiscord, err)
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "…"
}
