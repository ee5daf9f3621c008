package notification

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"caseflow/dispute"
	"caseflow/hub"
)

// PartyResolver looks up the principals of a dispute so events can be
// fanned out to the right recipients.
type PartyResolver interface {
	Get(ctx context.Context, disputeID string) (dispute.Dispute, error)
}

// Service persists notifications and attempts live delivery. Persistence
// always happens first; a recipient without an open connection simply
// finds the notification on their next fetch.
type Service struct {
	repo     Repository
	registry *hub.Registry
	parties  PartyResolver
	log      zerolog.Logger
}

func NewService(repo Repository, registry *hub.Registry, parties PartyResolver, log zerolog.Logger) *Service {
	return &Service{repo: repo, registry: registry, parties: parties, log: log}
}

// Notify stores the notification, then pushes it to any live connections.
// Push failures are logged and swallowed: a committed fact must never be
// rolled back because a socket was slow.
func (s *Service) Notify(ctx context.Context, n Notification) (Notification, error) {
	stored, err := s.repo.Insert(ctx, n)
	if err != nil {
		return Notification{}, err
	}

	if s.registry != nil {
		data, err := json.Marshal(stored)
		if err != nil {
			s.log.Error().Err(err).Msg("marshal notification")
			return stored, nil
		}
		delivered := s.registry.SendToUser(stored.RecipientID, hub.Message{Type: "notification", Data: data})
		if delivered == 0 && s.registry.Online(stored.RecipientID) {
			s.log.Debug().Str("recipient", stored.RecipientID).Msg("live notification dropped")
		}
	}
	return stored, nil
}

func (s *Service) List(ctx context.Context, recipientID string, unreadOnly bool) ([]Notification, error) {
	return s.repo.List(ctx, recipientID, unreadOnly)
}

func (s *Service) UnreadCount(ctx context.Context, recipientID string) (int, error) {
	return s.repo.UnreadCount(ctx, recipientID)
}

func (s *Service) MarkRead(ctx context.Context, recipientID, id string) error {
	return s.repo.MarkRead(ctx, recipientID, id)
}

func (s *Service) MarkAllRead(ctx context.Context, recipientID string) error {
	return s.repo.MarkAllRead(ctx, recipientID)
}

func (s *Service) Dismiss(ctx context.Context, recipientID, id string) error {
	return s.repo.Dismiss(ctx, recipientID, id)
}

// AcknowledgeAction clears outstanding notifications about a dispute once
// the recipient has acted on it through another channel. Idempotent: a
// concurrent Dismiss for the same rows is not an error.
func (s *Service) AcknowledgeAction(ctx context.Context, recipientID, disputeID string, t Type) error {
	return s.repo.DismissByDispute(ctx, recipientID, disputeID, t)
}

// OnDisputeEvent makes the service a machine sink: each committed event is
// turned into per-recipient notifications. Failures are logged only; event
// fan-out never reports back into the transition.
func (s *Service) OnDisputeEvent(ctx context.Context, ev dispute.DomainEvent) {
	d, err := s.parties.Get(ctx, ev.DisputeID)
	if err != nil {
		s.log.Error().Err(err).Str("dispute_id", ev.DisputeID).Msg("resolve parties for fan-out")
		return
	}

	for _, n := range buildNotifications(ev, d) {
		if _, err := s.Notify(ctx, n); err != nil {
			s.log.Error().Err(err).Str("recipient", n.RecipientID).Msg("persist notification")
		}
	}
}

// buildNotifications maps one event to its recipient set. The actor never
// gets notified about their own action.
func buildNotifications(ev dispute.DomainEvent, d dispute.Dispute) []Notification {
	var out []Notification

	add := func(recipient string, t Type, p Priority, title, message string) {
		if recipient == "" || recipient == ev.Actor {
			return
		}
		id := ev.DisputeID
		out = append(out, Notification{
			RecipientID: recipient,
			Type:        t,
			Priority:    p,
			Title:       title,
			Message:     message,
			DisputeID:   &id,
		})
	}
	both := func(t Type, p Priority, title, message string) {
		add(d.PlaintiffID, t, p, title, message)
		if d.RespondentID != nil {
			add(*d.RespondentID, t, p, title, message)
		}
	}

	switch ev.Kind {
	case dispute.EventDisputeAccepted:
		add(d.PlaintiffID, TypeDispute, PriorityHigh,
			"Dispute accepted", "The respondent accepted the dispute. Mediation is now active.")
	case dispute.EventMessagePosted:
		both(TypeMessage, PriorityLow, "New message", "A new message was posted in your dispute.")
	case dispute.EventAnalysisReady:
		both(TypeAI, PriorityHigh, "Settlement options ready",
			"The analysis produced settlement options. Review and cast your vote.")
	case dispute.EventVoteSubmitted:
		both(TypeAI, PriorityNormal, "Vote submitted", "The other party voted on the settlement options.")
	case dispute.EventVotesDiverged:
		both(TypeAI, PriorityHigh, "No agreement reached",
			"Your choices did not match. Request a reanalysis or escalate the dispute.")
	case dispute.EventReanalysisStarted:
		both(TypeAI, PriorityNormal, "Reanalysis requested",
			"A new analysis round was requested. Previous votes were cleared.")
	case dispute.EventResolutionStarted:
		both(TypeResolution, PriorityHigh, "Settlement agreed",
			"Both parties chose the same option. Please verify the settlement details.")
	case dispute.EventDetailsConfirmed:
		both(TypeResolution, PriorityNormal, "Details confirmed", "The other party confirmed the settlement details.")
	case dispute.EventSignatureSubmitted:
		both(TypeResolution, PriorityNormal, "Signature submitted", "The other party signed the settlement.")
	case dispute.EventAdminReviewReady:
		both(TypeResolution, PriorityNormal, "Awaiting final review",
			"Both signatures are in. An administrator will review and finalize the settlement.")
	case dispute.EventDisputeResolved:
		both(TypeResolution, PriorityUrgent, "Dispute resolved", "The settlement was approved and the dispute is closed.")
	case dispute.EventForwardedToCourt:
		both(TypeAdmin, PriorityUrgent, "Forwarded to court",
			"An administrator forwarded the dispute to court. No further actions are possible here.")
	}
	return out
}
