// Package services – OperatorService
//
// OperatorService is the operator registry's write side: operators are
// registered on first sign-in, toggle their availability, send heartbeats,
// and are switched off by the liveness sweep once they go quiet.
package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-support-backend/internal/broadcast"
	"github.com/tbourn/go-support-backend/internal/domain"
	"github.com/tbourn/go-support-backend/internal/repo"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DefaultIdleTimeout is how long an available operator may stay silent
// before the sweep marks them unavailable.
const DefaultIdleTimeout = 5 * time.Minute

// AvailabilityPayload is the body of operator_availability_changed.
type AvailabilityPayload struct {
	OperatorID  string `json:"operator_id"`
	IsAvailable bool   `json:"is_available"`
	Reason      string `json:"reason,omitempty"`
}

// OperatorService manages operator records and availability.
type OperatorService struct {
	DB     *gorm.DB
	Events *broadcast.Fanout

	// Now is the clock; defaults to time.Now.
	Now func() time.Time
}

func (s *OperatorService) tracer() trace.Tracer { return otel.Tracer("services/OperatorService") }

func (s *OperatorService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// Ensure registers the operator or refreshes name and email.
func (s *OperatorService) Ensure(ctx context.Context, id, name, email string) (*domain.Operator, error) {
	ctx, span := s.tracer().Start(ctx, "Ensure",
		trace.WithAttributes(attribute.String("operator.id", id)),
	)
	defer span.End()

	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrOperatorNotFound
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = id
	}
	op := &domain.Operator{ID: id, Name: name, Email: strings.TrimSpace(email)}
	if err := repo.UpsertOperator(ctx, s.DB, op); err != nil {
		span.RecordError(err)
		return nil, err
	}
	return s.Get(ctx, id)
}

// Get returns one operator.
func (s *OperatorService) Get(ctx context.Context, id string) (*domain.Operator, error) {
	op, err := repo.GetOperator(ctx, s.DB, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrOperatorNotFound
		}
		return nil, err
	}
	return op, nil
}

// SetAvailability toggles whether the operator accepts new chats.
func (s *OperatorService) SetAvailability(ctx context.Context, id string, available bool) (*domain.Operator, error) {
	ctx, span := s.tracer().Start(ctx, "SetAvailability",
		trace.WithAttributes(
			attribute.String("operator.id", id),
			attribute.Bool("available", available),
		),
	)
	defer span.End()

	if err := repo.SetAvailability(ctx, s.DB, id, available, s.now()); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrOperatorNotFound
		}
		span.RecordError(err)
		return nil, err
	}
	s.announce(id, available, "")
	return s.Get(ctx, id)
}

// Heartbeat records that the operator's console is still connected.
func (s *OperatorService) Heartbeat(ctx context.Context, id string) error {
	ctx, span := s.tracer().Start(ctx, "Heartbeat",
		trace.WithAttributes(attribute.String("operator.id", id)),
	)
	defer span.End()

	err := repo.TouchOperator(ctx, s.DB, id, s.now())
	if errors.Is(err, repo.ErrNotFound) {
		return ErrOperatorNotFound
	}
	return err
}

// List returns operators ordered by load; onlyAvailable narrows to those
// accepting chats.
func (s *OperatorService) List(ctx context.Context, onlyAvailable bool) ([]domain.Operator, error) {
	ctx, span := s.tracer().Start(ctx, "List",
		trace.WithAttributes(attribute.Bool("only_available", onlyAvailable)),
	)
	defer span.End()

	return repo.ListOperators(ctx, s.DB, onlyAvailable)
}

// SweepInactive marks operators silent for longer than idle as unavailable
// and returns their ids.
func (s *OperatorService) SweepInactive(ctx context.Context, idle time.Duration) ([]string, error) {
	ctx, span := s.tracer().Start(ctx, "SweepInactive")
	defer span.End()

	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	ids, err := repo.SweepInactive(ctx, s.DB, s.now().Add(-idle))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("swept", len(ids)))
	for _, id := range ids {
		s.announce(id, false, "idle")
	}
	return ids, nil
}

func (s *OperatorService) announce(id string, available bool, reason string) {
	p := AvailabilityPayload{OperatorID: id, IsAvailable: available, Reason: reason}
	s.Events.Dashboard(broadcast.OperatorAvailabilityChanged, "", p)
	s.Events.Operator(id, broadcast.OperatorAvailabilityChanged, "", p)
}
