// Package services – Matcher
//
// The matcher picks the least-busy available operator for a session that
// needs a human. The default mode reads the registry and returns the head of
// the ordering without reserving it: two simultaneous matches may pick the
// same operator, which at worst overloads that operator briefly. Exclusive
// mode adds a compare-and-swap claim on the load counter before returning.
package services

import (
	"context"
	"sort"

	"gorm.io/gorm"

	"github.com/tbourn/go-support-backend/internal/domain"
	"github.com/tbourn/go-support-backend/internal/repo"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// OperatorRegistry is the source of operator availability and load. The
// core only calls it; consistency of availability is the registry's concern.
type OperatorRegistry interface {
	// Available returns the operators currently accepting chats.
	Available(ctx context.Context) ([]domain.Operator, error)
	// Claim bumps the operator's load only if it still equals expected.
	Claim(ctx context.Context, operatorID string, expected int64) (bool, error)
	// RecordAssignment bumps the operator's load after an assignment commits.
	RecordAssignment(ctx context.Context, operatorID string) error
	// Release undoes a Claim whose assignment did not happen.
	Release(ctx context.Context, operatorID string) error
}

// Matcher implements least-busy matching.
type Matcher struct {
	Registry  OperatorRegistry
	Exclusive bool
}

// Match returns the available operator with the lowest load (ties by id),
// skipping ids in exclude. With no candidate it returns ErrNoOperatorAvailable.
//
// In exclusive mode the returned operator's load has already been bumped by
// the claim; callers must not call RecordAssignment again.
func (m *Matcher) Match(ctx context.Context, exclude ...string) (*domain.Operator, error) {
	ctx, span := otel.Tracer("services/Matcher").Start(ctx, "Match",
		trace.WithAttributes(attribute.Bool("exclusive", m.Exclusive)),
	)
	defer span.End()

	ops, err := m.Registry.Available(ctx)
	if err != nil {
		return nil, err
	}
	cands := rank(ops, exclude)
	span.SetAttributes(attribute.Int("candidates", len(cands)))

	if !m.Exclusive {
		if len(cands) == 0 {
			matches.WithLabelValues("none").Inc()
			return nil, ErrNoOperatorAvailable
		}
		matches.WithLabelValues("matched").Inc()
		return &cands[0], nil
	}

	for i := range cands {
		won, err := m.Registry.Claim(ctx, cands[i].ID, cands[i].TotalChatsHandled)
		if err != nil {
			return nil, err
		}
		if won {
			cands[i].TotalChatsHandled++
			matches.WithLabelValues("claimed").Inc()
			return &cands[i], nil
		}
	}
	matches.WithLabelValues("none").Inc()
	return nil, ErrNoOperatorAvailable
}

// rank filters unavailable and excluded operators and sorts the rest by
// (TotalChatsHandled, ID) ascending.
func rank(ops []domain.Operator, exclude []string) []domain.Operator {
	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}
	out := make([]domain.Operator, 0, len(ops))
	for _, op := range ops {
		if op.IsAvailable && !skip[op.ID] {
			out = append(out, op)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].TotalChatsHandled != out[j].TotalChatsHandled {
			return out[i].TotalChatsHandled < out[j].TotalChatsHandled
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// GormRegistry is the OperatorRegistry backed by the operators table.
type GormRegistry struct {
	DB *gorm.DB
}

func (r *GormRegistry) Available(ctx context.Context) ([]domain.Operator, error) {
	return repo.ListOperators(ctx, r.DB, true)
}

func (r *GormRegistry) Claim(ctx context.Context, operatorID string, expected int64) (bool, error) {
	return repo.ClaimOperator(ctx, r.DB, operatorID, expected)
}

func (r *GormRegistry) RecordAssignment(ctx context.Context, operatorID string) error {
	return repo.IncrementChatsHandled(ctx, r.DB, operatorID)
}

func (r *GormRegistry) Release(ctx context.Context, operatorID string) error {
	return repo.ReleaseOperator(ctx, r.DB, operatorID)
}
