package collab

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-support-backend/internal/domain"
)

// Notifier reaches people outside the live channels: operators (e.g. a
// newly assigned chat) and visitors on email or WhatsApp sessions.
// Callers treat it as fire-and-forget.
type Notifier interface {
	NotifyOperator(ctx context.Context, operatorID, text string) error
	NotifyUser(ctx context.Context, channel domain.Channel, address, text string) error
}

// LogNotifier writes notifications to the log. Used when no broker is set.
type LogNotifier struct{}

func (LogNotifier) NotifyOperator(ctx context.Context, operatorID, text string) error {
	log.Ctx(ctx).Info().Str("operator_id", operatorID).Int("len", len(text)).Msg("notify operator")
	return nil
}

func (LogNotifier) NotifyUser(ctx context.Context, channel domain.Channel, address, text string) error {
	log.Ctx(ctx).Info().Str("channel", string(channel)).Bool("has_address", address != "").Int("len", len(text)).Msg("notify user")
	return nil
}
