package dispute

import "context"

// Analyzer is the external analysis collaborator. Analyze is expected to be
// slow; the machine never calls it while holding a dispute's lock.
type Analyzer interface {
	Analyze(ctx context.Context, disputeID string) ([]Solution, string, error)
}

// AnalyzerFunc adapts a function to the Analyzer interface.
type AnalyzerFunc func(ctx context.Context, disputeID string) ([]Solution, string, error)

func (f AnalyzerFunc) Analyze(ctx context.Context, disputeID string) ([]Solution, string, error) {
	return f(ctx, disputeID)
}

// scheduleAnalysis invokes the collaborator off the request path and feeds
// the result back through CompleteAnalysis. A failed round leaves the
// dispute in its marker state; the failure is logged, not propagated, since
// there is no caller left to receive it.
func (m *Machine) scheduleAnalysis(disputeID string) {
	if m.analyzer == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.analysisTimeout)
		defer cancel()

		solutions, reasoning, err := m.analyzer.Analyze(ctx, disputeID)
		if err != nil {
			m.log.Error().Err(err).Str("dispute_id", disputeID).Msg("analysis round failed")
			return
		}
		if _, err := m.CompleteAnalysis(ctx, disputeID, solutions, reasoning); err != nil {
			m.log.Error().Err(err).Str("dispute_id", disputeID).Msg("apply analysis result")
		}
	}()
}
