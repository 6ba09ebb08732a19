// Package channel delivers rendered reminders to a person's communication identity.
package channel

import (
	"context"
	"errors"
	"fmt"

	"github.com/hray3182/concierge/internal/models"
)

// Receipt identifies a delivered message on the remote side.
type Receipt struct {
	ExternalID string
}

// Sender delivers text to one identity. Failures are *DeliveryError.
type Sender interface {
	Send(ctx context.Context, identity *models.CommIdentity, text string) (Receipt, error)
}

// DeliveryError is a failed send. Permanent errors (bad address, blocked bot)
// will not succeed on retry; transient ones (network, rate limit) may.
type DeliveryError struct {
	Channel   models.ChannelType
	Permanent bool
	Err       error
}

func (e *DeliveryError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("%s delivery failed (%s): %v", e.Channel, kind, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

func Transient(ch models.ChannelType, err error) error {
	return &DeliveryError{Channel: ch, Err: err}
}

func Permanent(ch models.ChannelType, err error) error {
	return &DeliveryError{Channel: ch, Permanent: true, Err: err}
}

// IsPermanent reports whether err is a permanent delivery failure.
func IsPermanent(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.Permanent
}

// Router picks a sender by the identity's channel type.
type Router struct {
	senders map[models.ChannelType]Sender
}

func NewRouter() *Router {
	return &Router{senders: make(map[models.ChannelType]Sender)}
}

// Register installs s for ch, replacing any previous sender.
func (r *Router) Register(ch models.ChannelType, s Sender) *Router {
	r.senders[ch] = s
	return r
}

func (r *Router) Channels() []models.ChannelType {
	out := make([]models.ChannelType, 0, len(r.senders))
	for ch := range r.senders {
		out = append(out, ch)
	}
	return out
}

func (r *Router) Send(ctx context.Context, identity *models.CommIdentity, text string) (Receipt, error) {
	s, ok := r.senders[identity.ChannelType]
	if !ok {
		return Receipt{}, Permanent(identity.ChannelType, errors.New("no sender configured for channel"))
	}
	return s.Send(ctx, identity, text)
}
