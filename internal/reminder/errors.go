package reminder

import (
	"errors"
	"fmt"

	"github.com/hray3182/concierge/internal/channel"
	"github.com/hray3182/concierge/internal/models"
	"github.com/hray3182/concierge/internal/recurrence"
	"github.com/hray3182/concierge/internal/repository"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidState       = errors.New("invalid state")
	ErrConfiguration      = errors.New("invalid reminder configuration")
	ErrContextUnavailable = errors.New("context unavailable")
	ErrComposition        = errors.New("message composition failed")
	ErrStorage            = errors.New("storage error")
)

// KindOf maps an error to the kind persisted in a rule's delivery state.
func KindOf(err error) models.ErrorKind {
	if err == nil {
		return models.ErrorKindNone
	}

	var recErr *recurrence.Error
	var delErr *channel.DeliveryError
	switch {
	case errors.As(err, &recErr):
		return models.ErrorKindRecurrence
	case errors.Is(err, ErrConfiguration):
		return models.ErrorKindConfiguration
	case errors.Is(err, ErrContextUnavailable):
		return models.ErrorKindContextUnavailable
	case errors.Is(err, ErrComposition):
		return models.ErrorKindComposition
	case errors.As(err, &delErr):
		if delErr.Permanent {
			return models.ErrorKindDeliveryPermanent
		}
		return models.ErrorKindDeliveryTransient
	case errors.Is(err, ErrStorage):
		return models.ErrorKindStorage
	default:
		return models.ErrorKindUnknown
	}
}

// storeErr translates repository sentinels into the service taxonomy.
func storeErr(op string, err error) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case errors.Is(err, repository.ErrStateConflict):
		return fmt.Errorf("%s: %w", op, ErrInvalidState)
	default:
		return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
	}
}
