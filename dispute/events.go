package dispute

import "context"

// Action enumerates the client-triggerable transitions.
type Action string

const (
	ActionAccept              Action = "accept"
	ActionSubmitVote          Action = "submit_vote"
	ActionRequestReanalysis   Action = "request_reanalysis"
	ActionConfirmDetails      Action = "confirm_details"
	ActionSubmitSignature     Action = "submit_signature"
	ActionAdminApprove        Action = "admin_approve"
	ActionAdminForwardToCourt Action = "admin_forward_to_court"
)

// EventKind names a committed domain event.
type EventKind string

const (
	EventDisputeAccepted    EventKind = "dispute.accepted"
	EventVoteSubmitted      EventKind = "dispute.vote_submitted"
	EventVotesDiverged      EventKind = "dispute.votes_diverged"
	EventResolutionStarted  EventKind = "dispute.resolution_started"
	EventReanalysisStarted  EventKind = "dispute.reanalysis_started"
	EventAnalysisReady      EventKind = "dispute.analysis_ready"
	EventDetailsConfirmed   EventKind = "dispute.details_confirmed"
	EventSignatureSubmitted EventKind = "dispute.signature_submitted"
	EventAdminReviewReady   EventKind = "dispute.admin_review_ready"
	EventDisputeResolved    EventKind = "dispute.resolved"
	EventForwardedToCourt   EventKind = "dispute.forwarded_to_court"
	EventMessagePosted      EventKind = "dispute.message_posted"
)

// DomainEvent describes one committed transition. It is appended to the
// dispute's timeline and outbox inside the transition transaction, and
// handed to in-process sinks after commit.
type DomainEvent struct {
	DisputeID        string           `json:"dispute_id"`
	Kind             EventKind        `json:"kind"`
	Status           Status           `json:"status"`
	ResolutionStatus ResolutionStatus `json:"resolution_status"`
	Actor            string           `json:"actor,omitempty"`
	Payload          map[string]any   `json:"payload,omitempty"`
}

// Sink receives committed domain events. Implementations must not block;
// the machine invokes sinks on detached goroutines and ignores their
// outcome so delivery can never fail a transition.
type Sink interface {
	OnDisputeEvent(ctx context.Context, ev DomainEvent)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, ev DomainEvent)

func (f SinkFunc) OnDisputeEvent(ctx context.Context, ev DomainEvent) { f(ctx, ev) }
