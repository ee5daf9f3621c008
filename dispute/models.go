package dispute

import "time"

// Status is the primary lifecycle state of a dispute.
type Status string

const (
	StatusPending              Status = "pending"
	StatusActive               Status = "active"
	StatusAwaitingDecision     Status = "awaiting_decision"
	StatusReanalyzing          Status = "reanalyzing"
	StatusResolutionInProgress Status = "resolution_in_progress"
	StatusPendingAdminApproval Status = "pending_admin_approval"
	StatusResolved             Status = "resolved"
	StatusForwardedToCourt     Status = "forwarded_to_court"
)

// Terminal reports whether no further transitions are accepted from s.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusForwardedToCourt
}

// ResolutionStatus tracks the post-convergence sub-workflow
// (verification, signature, admin review).
type ResolutionStatus string

const (
	ResolutionNone                 ResolutionStatus = "none"
	ResolutionAwaitingVerification ResolutionStatus = "awaiting_verification"
	ResolutionAwaitingSignature    ResolutionStatus = "awaiting_signature"
	ResolutionAdminReview          ResolutionStatus = "admin_review"
	ResolutionFinalized            ResolutionStatus = "finalized"
)

// Role identifies what an actor may do on a given dispute.
type Role string

const (
	RolePlaintiff  Role = "plaintiff"
	RoleRespondent Role = "respondent"
	RoleAdmin      Role = "admin"
)

const (
	// ChoiceRejectAll is the sentinel vote meaning "none of the proposed solutions".
	ChoiceRejectAll = -1

	// MaxReanalysisCount caps reanalysis requests; three analysis rounds total.
	MaxReanalysisCount = 2

	// MessageThreshold is the exchanged-message count that triggers the first
	// analysis round on an active dispute.
	MessageThreshold = 10

	// MinCourtForwardReason is the minimum length of the reason an admin must
	// supply when forwarding a dispute to court.
	MinCourtForwardReason = 50
)

// Solution is one settlement option proposed by the analysis collaborator.
// The engine only ever indexes into the list; the text is opaque to it.
type Solution struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// CourtForward records the one-shot escalation of a dispute to a court.
type CourtForward struct {
	CourtType     string    `json:"court_type"`
	CourtName     string    `json:"court_name"`
	CourtLocation string    `json:"court_location"`
	Reason        string    `json:"reason"`
	ForwardedAt   time.Time `json:"forwarded_at"`
}

// Dispute mirrors the disputes table. It is the aggregate root of the
// workflow engine; every mutation goes through the machine so the row is
// only ever written while its lock is held.
type Dispute struct {
	ID                 string
	PlaintiffID        string
	RespondentID       *string
	Status             Status
	ResolutionStatus   ResolutionStatus
	RespondentAccepted bool
	AISolutions        []Solution
	AIReasoning        *string
	PlaintiffChoice    *int
	DefendantChoice    *int
	ReanalysisCount    int
	PlaintiffVerified  bool
	RespondentVerified bool
	PlaintiffSigned    bool
	RespondentSigned   bool
	CourtForward       *CourtForward
	MessageCount       int
	Version            int
	CreatedAt          time.Time
	UpdatedAt          time.Time
	ResolvedAt         *time.Time
}

// RoleOf resolves the per-dispute role of a user, if any. Admins are
// resolved globally by the auth layer, not per dispute.
func (d *Dispute) RoleOf(userID string) (Role, bool) {
	if userID == d.PlaintiffID {
		return RolePlaintiff, true
	}
	if d.RespondentID != nil && userID == *d.RespondentID {
		return RoleRespondent, true
	}
	return "", false
}

// votesConverged reports whether both slots are set and agree on a real
// solution index. Reject-all never converges.
func (d *Dispute) votesConverged() bool {
	if d.PlaintiffChoice == nil || d.DefendantChoice == nil {
		return false
	}
	if *d.PlaintiffChoice == ChoiceRejectAll || *d.DefendantChoice == ChoiceRejectAll {
		return false
	}
	return *d.PlaintiffChoice == *d.DefendantChoice
}

// votesComplete reports whether both parties have voted this round.
func (d *Dispute) votesComplete() bool {
	return d.PlaintiffChoice != nil && d.DefendantChoice != nil
}
