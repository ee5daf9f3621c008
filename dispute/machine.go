package dispute

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// TransitionRequest carries one client action into the machine.
type TransitionRequest struct {
	DisputeID string
	ActorID   string
	// ActorRole is the globally resolved role of the actor. Party roles are
	// re-derived from the dispute row itself; only RoleAdmin is trusted here.
	ActorRole Role
	Action    Action

	// Choice is the vote payload: an index into AISolutions or ChoiceRejectAll.
	Choice *int

	// Court forwarding payload.
	Reason        string
	CourtType     string
	CourtName     string
	CourtLocation string
}

// Machine owns every mutation of a dispute. Each call runs in one
// transaction holding the dispute's row lock, so transitions on the same
// dispute are strictly serialized and applied all-or-nothing.
type Machine struct {
	pool     TxBeginner
	store    Store
	analyzer Analyzer
	sinks    []Sink
	log      zerolog.Logger
	now      func() time.Time

	// analysisTimeout bounds the external collaborator call.
	analysisTimeout time.Duration

	// commitLocks serialize the commit-then-enqueue step per dispute so
	// sinks observe events in the order their transitions committed.
	commitLocks [64]sync.Mutex

	evmu    sync.Mutex
	evqueue map[string][]DomainEvent
}

func NewMachine(pool TxBeginner, store Store, analyzer Analyzer, log zerolog.Logger) *Machine {
	return &Machine{
		pool:            pool,
		store:           store,
		analyzer:        analyzer,
		log:             log,
		now:             time.Now,
		analysisTimeout: 60 * time.Second,
		evqueue:         make(map[string][]DomainEvent),
	}
}

// AddSink registers a committed-event receiver. Not safe to call after the
// machine starts serving requests.
func (m *Machine) AddSink(s Sink) { m.sinks = append(m.sinks, s) }

// WithClock overrides the time source for tests.
func (m *Machine) WithClock(now func() time.Time) *Machine {
	m.now = now
	return m
}

// WithAnalysisTimeout overrides the bound on analysis collaborator calls.
func (m *Machine) WithAnalysisTimeout(d time.Duration) *Machine {
	if d > 0 {
		m.analysisTimeout = d
	}
	return m
}

// RequestTransition validates and applies one action. On success the new
// aggregate state and the committed event are returned; on any failure the
// dispute is left untouched.
func (m *Machine) RequestTransition(ctx context.Context, req TransitionRequest) (Dispute, DomainEvent, error) {
	if req.DisputeID == "" {
		return Dispute{}, DomainEvent{}, fmt.Errorf("dispute: missing dispute id")
	}
	if req.ActorID == "" {
		return Dispute{}, DomainEvent{}, fmt.Errorf("dispute: missing actor id")
	}

	d, ev, noop, err := m.apply(ctx, req)
	if err != nil {
		return Dispute{}, DomainEvent{}, err
	}
	if noop {
		// Naturally idempotent repeat (ConfirmDetails / SubmitSignature):
		// succeed without a second event.
		return d, DomainEvent{}, nil
	}

	if ev.Kind == EventReanalysisStarted {
		m.scheduleAnalysis(d.ID)
	}
	return d, ev, nil
}

func (m *Machine) apply(ctx context.Context, req TransitionRequest) (Dispute, DomainEvent, bool, error) {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, DomainEvent{}, false, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := m.store.GetForUpdate(ctx, tx, req.DisputeID)
	if err != nil {
		return Dispute{}, DomainEvent{}, false, err
	}

	if d.Status.Terminal() {
		return Dispute{}, DomainEvent{}, false, ErrInvalidTransition
	}

	var (
		ev   DomainEvent
		noop bool
	)
	switch req.Action {
	case ActionAccept:
		ev, err = m.applyAccept(&d, req)
	case ActionSubmitVote:
		ev, err = m.applySubmitVote(&d, req)
	case ActionRequestReanalysis:
		ev, err = m.applyRequestReanalysis(&d, req)
	case ActionConfirmDetails:
		ev, noop, err = m.applyConfirmDetails(&d, req)
	case ActionSubmitSignature:
		ev, noop, err = m.applySubmitSignature(&d, req)
	case ActionAdminApprove:
		ev, err = m.applyAdminApprove(&d, req)
	case ActionAdminForwardToCourt:
		ev, err = m.applyForwardToCourt(&d, req)
	default:
		err = fmt.Errorf("dispute: unknown action %q", req.Action)
	}
	if err != nil {
		return Dispute{}, DomainEvent{}, false, err
	}
	if noop {
		return d, DomainEvent{}, true, nil
	}

	ev.DisputeID = d.ID
	ev.Status = d.Status
	ev.ResolutionStatus = d.ResolutionStatus
	ev.Actor = req.ActorID

	if err := m.persist(ctx, tx, d, ev); err != nil {
		return Dispute{}, DomainEvent{}, false, err
	}

	if err := m.commitAndDispatch(ctx, tx, ev, "transition"); err != nil {
		return Dispute{}, DomainEvent{}, false, err
	}
	d.Version++
	return d, ev, false, nil
}

func (m *Machine) persist(ctx context.Context, tx pgx.Tx, d Dispute, ev DomainEvent) error {
	if err := m.store.Update(ctx, tx, d); err != nil {
		return err
	}
	if err := m.store.AppendEvent(ctx, tx, ev); err != nil {
		return err
	}
	return m.store.EnqueueOutbox(ctx, tx, string(ev.Kind), map[string]any{
		"dispute_id":        ev.DisputeID,
		"status":            ev.Status,
		"resolution_status": ev.ResolutionStatus,
		"actor_id":          ev.Actor,
	})
}

func (m *Machine) applyAccept(d *Dispute, req TransitionRequest) (DomainEvent, error) {
	role, ok := d.RoleOf(req.ActorID)
	if !ok || role != RoleRespondent {
		return DomainEvent{}, ErrUnauthorized
	}
	if d.RespondentAccepted {
		return DomainEvent{}, ErrAlreadyActioned
	}
	if d.Status != StatusPending {
		return DomainEvent{}, ErrInvalidTransition
	}

	d.RespondentAccepted = true
	d.Status = StatusActive
	return DomainEvent{Kind: EventDisputeAccepted}, nil
}

func (m *Machine) applySubmitVote(d *Dispute, req TransitionRequest) (DomainEvent, error) {
	if d.Status != StatusAwaitingDecision {
		return DomainEvent{}, ErrInvalidTransition
	}
	role, ok := d.RoleOf(req.ActorID)
	if !ok {
		return DomainEvent{}, ErrUnauthorized
	}
	if req.Choice == nil {
		return DomainEvent{}, ErrValidationFailed
	}
	choice := *req.Choice
	if choice != ChoiceRejectAll && (choice < 0 || choice >= len(d.AISolutions)) {
		return DomainEvent{}, ErrValidationFailed
	}

	slot := &d.PlaintiffChoice
	if role == RoleRespondent {
		slot = &d.DefendantChoice
	}
	if *slot != nil {
		return DomainEvent{}, ErrAlreadyActioned
	}
	*slot = &choice

	switch {
	case d.votesConverged():
		d.Status = StatusResolutionInProgress
		d.ResolutionStatus = ResolutionAwaitingVerification
		return DomainEvent{
			Kind:    EventResolutionStarted,
			Payload: map[string]any{"chosen_solution": choice},
		}, nil
	case d.votesComplete():
		// Both voted, no agreement. The dispute stays in awaiting_decision;
		// clients are told to request a reanalysis or escalate.
		return DomainEvent{
			Kind:    EventVotesDiverged,
			Payload: map[string]any{"reanalysis_remaining": MaxReanalysisCount - d.ReanalysisCount},
		}, nil
	default:
		return DomainEvent{Kind: EventVoteSubmitted, Payload: map[string]any{"role": role}}, nil
	}
}

func (m *Machine) applyRequestReanalysis(d *Dispute, req TransitionRequest) (DomainEvent, error) {
	if d.Status != StatusAwaitingDecision {
		return DomainEvent{}, ErrInvalidTransition
	}
	if _, ok := d.RoleOf(req.ActorID); !ok {
		return DomainEvent{}, ErrUnauthorized
	}
	if d.ReanalysisCount >= MaxReanalysisCount {
		return DomainEvent{}, ErrLimitExceeded
	}

	d.ReanalysisCount++
	d.PlaintiffChoice = nil
	d.DefendantChoice = nil
	d.AISolutions = nil
	d.AIReasoning = nil
	d.Status = StatusReanalyzing
	return DomainEvent{
		Kind:    EventReanalysisStarted,
		Payload: map[string]any{"round": d.ReanalysisCount + 1},
	}, nil
}

func (m *Machine) applyConfirmDetails(d *Dispute, req TransitionRequest) (DomainEvent, bool, error) {
	role, ok := d.RoleOf(req.ActorID)
	if !ok {
		return DomainEvent{}, false, ErrUnauthorized
	}

	verified := &d.PlaintiffVerified
	if role == RoleRespondent {
		verified = &d.RespondentVerified
	}
	if *verified {
		// Asserting an already-asserted fact: benign repeat, not an error.
		return DomainEvent{}, true, nil
	}
	if d.ResolutionStatus != ResolutionAwaitingVerification {
		return DomainEvent{}, false, ErrInvalidTransition
	}

	*verified = true
	if d.PlaintiffVerified && d.RespondentVerified {
		d.ResolutionStatus = ResolutionAwaitingSignature
	}
	return DomainEvent{Kind: EventDetailsConfirmed, Payload: map[string]any{"role": role}}, false, nil
}

func (m *Machine) applySubmitSignature(d *Dispute, req TransitionRequest) (DomainEvent, bool, error) {
	role, ok := d.RoleOf(req.ActorID)
	if !ok {
		return DomainEvent{}, false, ErrUnauthorized
	}

	signed := &d.PlaintiffSigned
	if role == RoleRespondent {
		signed = &d.RespondentSigned
	}
	if *signed {
		return DomainEvent{}, true, nil
	}
	if d.ResolutionStatus != ResolutionAwaitingSignature {
		return DomainEvent{}, false, ErrInvalidTransition
	}

	*signed = true
	if d.PlaintiffSigned && d.RespondentSigned {
		d.ResolutionStatus = ResolutionAdminReview
		d.Status = StatusPendingAdminApproval
		return DomainEvent{Kind: EventAdminReviewReady}, false, nil
	}
	return DomainEvent{Kind: EventSignatureSubmitted, Payload: map[string]any{"role": role}}, false, nil
}

func (m *Machine) applyAdminApprove(d *Dispute, req TransitionRequest) (DomainEvent, error) {
	if req.ActorRole != RoleAdmin {
		return DomainEvent{}, ErrUnauthorized
	}
	if d.ResolutionStatus != ResolutionAdminReview {
		return DomainEvent{}, ErrInvalidTransition
	}

	// Deliberate human-in-the-loop gate: this is the only path that closes
	// a dispute successfully, even when both parties finished every step.
	d.ResolutionStatus = ResolutionFinalized
	d.Status = StatusResolved
	t := m.now().UTC()
	d.ResolvedAt = &t
	return DomainEvent{Kind: EventDisputeResolved}, nil
}

func (m *Machine) applyForwardToCourt(d *Dispute, req TransitionRequest) (DomainEvent, error) {
	if req.ActorRole != RoleAdmin {
		return DomainEvent{}, ErrUnauthorized
	}
	if utf8.RuneCountInString(req.Reason) < MinCourtForwardReason {
		return DomainEvent{}, ErrValidationFailed
	}

	d.CourtForward = &CourtForward{
		CourtType:     req.CourtType,
		CourtName:     req.CourtName,
		CourtLocation: req.CourtLocation,
		Reason:        req.Reason,
		ForwardedAt:   m.now().UTC(),
	}
	d.Status = StatusForwardedToCourt
	return DomainEvent{
		Kind:    EventForwardedToCourt,
		Payload: map[string]any{"court_name": req.CourtName},
	}, nil
}

// RecordMessage counts an exchanged message and enforces the chat gate: the
// respondent may not post before accepting the dispute. Crossing the
// message threshold on an active dispute schedules the first analysis round.
func (m *Machine) RecordMessage(ctx context.Context, disputeID, senderID string) (Dispute, error) {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := m.store.GetForUpdate(ctx, tx, disputeID)
	if err != nil {
		return Dispute{}, err
	}
	if d.Status.Terminal() {
		return Dispute{}, ErrInvalidTransition
	}

	role, ok := d.RoleOf(senderID)
	if !ok {
		return Dispute{}, ErrUnauthorized
	}
	if role == RoleRespondent && !d.RespondentAccepted {
		return Dispute{}, ErrUnauthorized
	}

	d.MessageCount++
	triggerAnalysis := d.Status == StatusActive &&
		d.MessageCount == MessageThreshold &&
		d.ReanalysisCount == 0 &&
		len(d.AISolutions) == 0

	ev := DomainEvent{
		DisputeID:        d.ID,
		Kind:             EventMessagePosted,
		Status:           d.Status,
		ResolutionStatus: d.ResolutionStatus,
		Actor:            senderID,
		Payload:          map[string]any{"message_count": d.MessageCount},
	}
	if err := m.persist(ctx, tx, d, ev); err != nil {
		return Dispute{}, err
	}
	if err := m.commitAndDispatch(ctx, tx, ev, "message"); err != nil {
		return Dispute{}, err
	}
	d.Version++

	if triggerAnalysis {
		m.scheduleAnalysis(d.ID)
	}
	return d, nil
}

// CompleteAnalysis applies the collaborator's result as its own serialized
// transition. It tolerates arriving while the dispute is active (first
// round) or reanalyzing (explicit rounds).
func (m *Machine) CompleteAnalysis(ctx context.Context, disputeID string, solutions []Solution, reasoning string) (Dispute, error) {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := m.store.GetForUpdate(ctx, tx, disputeID)
	if err != nil {
		return Dispute{}, err
	}
	if d.Status != StatusActive && d.Status != StatusReanalyzing {
		return Dispute{}, ErrInvalidTransition
	}

	d.AISolutions = solutions
	if reasoning != "" {
		d.AIReasoning = &reasoning
	}
	d.Status = StatusAwaitingDecision

	ev := DomainEvent{
		DisputeID:        d.ID,
		Kind:             EventAnalysisReady,
		Status:           d.Status,
		ResolutionStatus: d.ResolutionStatus,
		Payload:          map[string]any{"solution_count": len(solutions)},
	}
	if err := m.persist(ctx, tx, d, ev); err != nil {
		return Dispute{}, err
	}
	if err := m.commitAndDispatch(ctx, tx, ev, "analysis"); err != nil {
		return Dispute{}, err
	}
	d.Version++
	return d, nil
}

// commitAndDispatch commits the transaction and queues the event for sink
// delivery. A per-dispute lock spans both steps: the next transition on the
// same dispute is still blocked on the row lock while this one commits, and
// cannot commit and queue its own event until this one has been queued, so
// queue order always matches commit order.
func (m *Machine) commitAndDispatch(ctx context.Context, tx pgx.Tx, ev DomainEvent, op string) error {
	mu := m.commitLock(ev.DisputeID)
	mu.Lock()
	defer mu.Unlock()

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("dispute: commit %s: %w", op, err)
	}
	m.enqueueEvent(ev)
	return nil
}

func (m *Machine) commitLock(disputeID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(disputeID))
	return &m.commitLocks[h.Sum32()%uint32(len(m.commitLocks))]
}

// enqueueEvent appends the event to its dispute's delivery queue and makes
// sure one drain goroutine is running for that dispute. Enqueueing never
// blocks; sink outcomes are invisible to the transition that produced the
// event.
func (m *Machine) enqueueEvent(ev DomainEvent) {
	m.evmu.Lock()
	pending, active := m.evqueue[ev.DisputeID]
	m.evqueue[ev.DisputeID] = append(pending, ev)
	m.evmu.Unlock()

	if !active {
		go m.drainEvents(ev.DisputeID)
	}
}

// drainEvents delivers the dispute's queued events to every sink, one event
// at a time, until the queue is empty.
func (m *Machine) drainEvents(disputeID string) {
	ctx := context.Background()
	for {
		m.evmu.Lock()
		pending := m.evqueue[disputeID]
		if len(pending) == 0 {
			delete(m.evqueue, disputeID)
			m.evmu.Unlock()
			return
		}
		ev := pending[0]
		m.evqueue[disputeID] = pending[1:]
		m.evmu.Unlock()

		for _, s := range m.sinks {
			s.OnDisputeEvent(ctx, ev)
		}
	}
}
