package channel

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/hray3182/concierge/internal/models"
)

// Limited throttles a sender to stay under a provider's rate limit.
type Limited struct {
	next    Sender
	limiter *rate.Limiter
}

// NewLimited allows perSecond sends with the given burst.
func NewLimited(next Sender, perSecond float64, burst int) *Limited {
	return &Limited{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (l *Limited) Send(ctx context.Context, identity *models.CommIdentity, text string) (Receipt, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return Receipt{}, Transient(identity.ChannelType, err)
	}
	return l.next.Send(ctx, identity, text)
}
