// Package collab holds the adapters for the collaborators the support core
// talks to but does not own: the AI responder, outbound notifications,
// ticketing and attachment storage. Each is a narrow interface with a local
// implementation and, where it makes sense, a Kafka-backed one.
package collab

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-support-backend/internal/domain"
	"github.com/tbourn/go-support-backend/internal/knowledge"
)

// Reply is what the AI responder proposes for a visitor message.
type Reply struct {
	Text         string
	Confidence   float64
	SuggestHuman bool
}

// AIResponder generates a reply to text given the recent history (oldest first).
type AIResponder interface {
	GenerateReply(ctx context.Context, text string, history []domain.Message) (Reply, error)
}

// DefaultFallback is sent when nothing in the knowledge base matches.
const DefaultFallback = "I couldn't find an answer to that. Would you like to talk to one of our agents?"

// humanHints make the responder suggest a human regardless of confidence.
var humanHints = []string{"human", "agent", "operator", "real person", "someone"}

// KnowledgeResponder answers from a knowledge base. Confidence is the best
// hit's score; replies below Threshold suggest a human.
type KnowledgeResponder struct {
	KB        knowledge.Searcher
	Threshold float64
	Fallback  string
}

// GenerateReply implements AIResponder.
func (r *KnowledgeResponder) GenerateReply(ctx context.Context, text string, history []domain.Message) (Reply, error) {
	_, span := otel.Tracer("collab/KnowledgeResponder").Start(ctx, "GenerateReply",
		trace.WithAttributes(attribute.Int("history.len", len(history))),
	)
	defer span.End()

	if err := ctx.Err(); err != nil {
		return Reply{}, err
	}
	fallback := r.Fallback
	if fallback == "" {
		fallback = DefaultFallback
	}

	query := strings.TrimSpace(text)
	wantsHuman := mentionsHuman(query)

	var hits []knowledge.Hit
	if r.KB != nil && query != "" {
		hits = r.KB.Search(query, 2)
		// Short follow-ups ("and for Europe?") borrow the previous visitor turn.
		if len(hits) == 0 {
			if prev := lastUserText(history, query); prev != "" {
				hits = r.KB.Search(prev+" "+query, 2)
			}
		}
	}
	if len(hits) == 0 {
		span.SetAttributes(attribute.Bool("kb.hit", false))
		return Reply{Text: fallback, Confidence: 0, SuggestHuman: true}, nil
	}

	best := hits[0]
	answer := best.Snippet
	if len(hits) > 1 && hits[1].Title == best.Title && hits[1].Score >= r.Threshold {
		answer += "\n\n" + hits[1].Snippet
	}
	span.SetAttributes(attribute.Bool("kb.hit", true), attribute.Float64("kb.score", best.Score))

	return Reply{
		Text:         answer,
		Confidence:   best.Score,
		SuggestHuman: wantsHuman || best.Score < r.Threshold,
	}, nil
}

func mentionsHuman(s string) bool {
	low := strings.ToLower(s)
	for _, h := range humanHints {
		if strings.Contains(low, h) {
			return true
		}
	}
	return false
}

// lastUserText returns the most recent visitor message other than current.
func lastUserText(history []domain.Message, current string) string {
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		if m.Type == domain.MessageUser && strings.TrimSpace(m.Content) != current {
			return m.Content
		}
	}
	return ""
}
