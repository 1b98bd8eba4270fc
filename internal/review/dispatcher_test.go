package review

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/foundryd/internal/agent"
)

type stubReviewer struct {
	name      string
	specialty Specialty
	result    *Result
	err       error
	delay     time.Duration
}

func (s *stubReviewer) Name() string         { return s.name }
func (s *stubReviewer) Specialty() Specialty { return s.specialty }

func (s *stubReviewer) Review(ctx context.Context, artifact *Artifact) (*Result, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func newTestDispatcher(t *testing.T, first, second Reviewer, cfg *Config) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(first, second, cfg, nil)
	require.NoError(t, err)
	return d
}

func testArtifact() *Artifact {
	return &Artifact{ID: "a1", Kind: "task", TaskID: "T1", Content: "diff"}
}

func TestNewDispatcherRejectsSameName(t *testing.T) {
	a := &stubReviewer{name: "alpha", specialty: SpecialtySecurity}
	b := &stubReviewer{name: "alpha", specialty: SpecialtyGeneral}
	_, err := NewDispatcher(a, b, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "independent")
}

func TestDispatchBothApprove(t *testing.T) {
	d := newTestDispatcher(t,
		&stubReviewer{name: "sec", specialty: SpecialtySecurity, result: &Result{Score: 8, Approved: true}},
		&stubReviewer{name: "gen", specialty: SpecialtyGeneral, result: &Result{Score: 9, Approved: true}},
		nil,
	)

	decision, err := d.Dispatch(context.Background(), testArtifact(), 6.0)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApproved, decision.Outcome)
	assert.False(t, decision.Dissent)
	assert.InDelta(t, 8.5, decision.CombinedScore, 1e-9)
	require.Len(t, decision.Results, 2)
	assert.Equal(t, "sec", decision.Results[0].Reviewer, "reviewer name filled from backend")
	assert.False(t, decision.Results[0].CreatedAt.IsZero())
}

func TestDispatchBothApproveBelowThresholdRetries(t *testing.T) {
	// Two approvals at 5/5 do not clear a 6.0 gate: the low score is a
	// full point under the threshold, outside the epsilon band, retry.
	d := newTestDispatcher(t,
		&stubReviewer{name: "sec", specialty: SpecialtySecurity, result: &Result{Score: 5, Approved: true}},
		&stubReviewer{name: "gen", specialty: SpecialtyGeneral, result: &Result{Score: 5, Approved: true}},
		nil,
	)

	decision, err := d.Dispatch(context.Background(), testArtifact(), 6.0)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetry, decision.Outcome)
	assert.InDelta(t, 5.0, decision.CombinedScore, 1e-9)
	assert.Contains(t, decision.Reason, "below threshold")
}

func TestDispatchBothApproveNearThresholdEscalates(t *testing.T) {
	// One approval scores 5.6 against a 6.0 gate: inside the 0.5 epsilon
	// band, so the near-miss escalates rather than silently passing.
	d := newTestDispatcher(t,
		&stubReviewer{name: "sec", specialty: SpecialtySecurity, result: &Result{Score: 9, Approved: true}},
		&stubReviewer{name: "gen", specialty: SpecialtyGeneral, result: &Result{Score: 5.6, Approved: true}},
		nil,
	)

	decision, err := d.Dispatch(context.Background(), testArtifact(), 6.0)
	require.NoError(t, err)
	assert.Equal(t, OutcomeEscalate, decision.Outcome)
	assert.Contains(t, decision.Reason, "within epsilon")
}

func TestDispatchBothReject(t *testing.T) {
	d := newTestDispatcher(t,
		&stubReviewer{name: "sec", specialty: SpecialtySecurity, result: &Result{
			Score: 3, Issues: []Issue{{Category: CategoryGeneral, Severity: SeverityWarning, Description: "messy"}},
		}},
		&stubReviewer{name: "gen", specialty: SpecialtyGeneral, result: &Result{
			Score: 4, Issues: []Issue{{Category: CategoryGeneral, Severity: SeverityWarning, Description: "untested"}},
		}},
		nil,
	)

	decision, err := d.Dispatch(context.Background(), testArtifact(), 6.0)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetry, decision.Outcome)
	assert.Equal(t, "both reviewers rejected", decision.Reason)
	assert.Len(t, decision.Issues, 2)
	assert.Equal(t, []string{"general: messy", "general: untested"}, decision.AllIssues())
}

func TestDispatchSpecialistWeightRejects(t *testing.T) {
	// Security specialist rejects a security issue: 0.8*4 + 0.2*9 = 5.0,
	// below 6.0 - 0.5 epsilon, so the generalist's approval is overruled.
	d := newTestDispatcher(t,
		&stubReviewer{name: "sec", specialty: SpecialtySecurity, result: &Result{
			Score: 4, Issues: []Issue{{Category: CategorySecurity, Severity: SeverityWarning, Description: "weak token check"}},
		}},
		&stubReviewer{name: "gen", specialty: SpecialtyGeneral, result: &Result{Score: 9, Approved: true}},
		nil,
	)

	decision, err := d.Dispatch(context.Background(), testArtifact(), 6.0)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetry, decision.Outcome)
	assert.InDelta(t, 5.0, decision.CombinedScore, 1e-9)
}

func TestDispatchApprovedOverDissent(t *testing.T) {
	// Generalist rejects on a general issue while the scores stay strong:
	// 0.5*9 + 0.5*6 = 7.5 > 6.5, approved with recorded dissent.
	d := newTestDispatcher(t,
		&stubReviewer{name: "sec", specialty: SpecialtySecurity, result: &Result{Score: 9, Approved: true}},
		&stubReviewer{name: "gen", specialty: SpecialtyGeneral, result: &Result{
			Score: 6, Issues: []Issue{{Category: CategoryGeneral, Severity: SeverityInfo, Description: "naming"}},
		}},
		nil,
	)

	decision, err := d.Dispatch(context.Background(), testArtifact(), 6.0)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApproved, decision.Outcome)
	assert.True(t, decision.Dissent)
	assert.Contains(t, decision.Reason, "dissent from gen")
}

func TestDispatchEpsilonBandEscalates(t *testing.T) {
	// 0.5*7 + 0.5*5 = 6.0, dead on the threshold: escalate.
	d := newTestDispatcher(t,
		&stubReviewer{name: "sec", specialty: SpecialtySecurity, result: &Result{Score: 7, Approved: true}},
		&stubReviewer{name: "gen", specialty: SpecialtyGeneral, result: &Result{
			Score: 5, Issues: []Issue{{Category: CategoryGeneral, Severity: SeverityWarning, Description: "thin tests"}},
		}},
		nil,
	)

	decision, err := d.Dispatch(context.Background(), testArtifact(), 6.0)
	require.NoError(t, err)
	assert.Equal(t, OutcomeEscalate, decision.Outcome)
	assert.Contains(t, decision.Reason, "within epsilon")
}

func TestDispatchCategoryDisagreementEscalates(t *testing.T) {
	d := newTestDispatcher(t,
		&stubReviewer{name: "sec", specialty: SpecialtySecurity, result: &Result{
			Score: 8, Approved: true,
			Issues: []Issue{{Category: CategorySecurity, Severity: SeverityInfo, Description: "minor"}},
		}},
		&stubReviewer{name: "arch", specialty: SpecialtyArchitecture, result: &Result{
			Score: 4, Issues: []Issue{{Category: CategoryArchitecture, Severity: SeverityWarning, Description: "layering"}},
		}},
		nil,
	)

	decision, err := d.Dispatch(context.Background(), testArtifact(), 6.0)
	require.NoError(t, err)
	assert.Equal(t, OutcomeEscalate, decision.Outcome)
	assert.Contains(t, decision.Reason, "disagree on issue category")
}

func TestDispatchBlockingSecurityBypassesScores(t *testing.T) {
	// Even with both approving, a critical security finding escalates.
	d := newTestDispatcher(t,
		&stubReviewer{name: "sec", specialty: SpecialtySecurity, result: &Result{
			Score: 9, Approved: true,
			Issues: []Issue{{Category: CategorySecurity, Severity: SeverityCritical, Description: "credential leak"}},
		}},
		&stubReviewer{name: "gen", specialty: SpecialtyGeneral, result: &Result{Score: 9, Approved: true}},
		nil,
	)

	decision, err := d.Dispatch(context.Background(), testArtifact(), 6.0)
	require.NoError(t, err)
	assert.Equal(t, OutcomeEscalate, decision.Outcome)
	assert.Contains(t, decision.Reason, "blocking security issue: credential leak")
}

func TestDispatchArchitectureWeight(t *testing.T) {
	// Architecture specialist rejects: 0.7*5 + 0.3*9 = 6.2, inside the
	// 6.0±0.5 band, so the near-miss escalates rather than approving.
	d := newTestDispatcher(t,
		&stubReviewer{name: "arch", specialty: SpecialtyArchitecture, result: &Result{
			Score: 5, Issues: []Issue{{Category: CategoryArchitecture, Severity: SeverityWarning, Description: "god object"}},
		}},
		&stubReviewer{name: "gen", specialty: SpecialtyGeneral, result: &Result{Score: 9, Approved: true}},
		nil,
	)

	decision, err := d.Dispatch(context.Background(), testArtifact(), 6.0)
	require.NoError(t, err)
	assert.Equal(t, OutcomeEscalate, decision.Outcome)
	assert.InDelta(t, 6.2, decision.CombinedScore, 1e-9)
}

func TestDispatchNoSpecialistEqualWeights(t *testing.T) {
	// Security issue but neither reviewer is the security specialist:
	// equal weights apply. 0.5*4 + 0.5*9 = 6.5, epsilon band, escalate.
	d := newTestDispatcher(t,
		&stubReviewer{name: "gen1", specialty: SpecialtyGeneral, result: &Result{
			Score: 4, Issues: []Issue{{Category: CategorySecurity, Severity: SeverityWarning, Description: "weak rng"}},
		}},
		&stubReviewer{name: "gen2", specialty: SpecialtyGeneral, result: &Result{Score: 9, Approved: true}},
		nil,
	)

	decision, err := d.Dispatch(context.Background(), testArtifact(), 6.0)
	require.NoError(t, err)
	assert.Equal(t, OutcomeEscalate, decision.Outcome)
	assert.InDelta(t, 6.5, decision.CombinedScore, 1e-9)
}

func TestDispatchReviewerError(t *testing.T) {
	d := newTestDispatcher(t,
		&stubReviewer{name: "sec", specialty: SpecialtySecurity, err: errors.New("backend down")},
		&stubReviewer{name: "gen", specialty: SpecialtyGeneral, result: &Result{Score: 9, Approved: true}},
		nil,
	)

	_, err := d.Dispatch(context.Background(), testArtifact(), 6.0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reviewer sec")
}

func TestDispatchNilResultIsAgentFailure(t *testing.T) {
	d := newTestDispatcher(t,
		&stubReviewer{name: "sec", specialty: SpecialtySecurity},
		&stubReviewer{name: "gen", specialty: SpecialtyGeneral, result: &Result{Score: 9, Approved: true}},
		nil,
	)

	_, err := d.Dispatch(context.Background(), testArtifact(), 6.0)
	require.Error(t, err)
	assert.Equal(t, agent.FaultAgentFailure, agent.KindOf(err))
}

func TestDispatchTimeoutIsTimeoutFault(t *testing.T) {
	d := newTestDispatcher(t,
		&stubReviewer{name: "sec", specialty: SpecialtySecurity, delay: time.Second},
		&stubReviewer{name: "gen", specialty: SpecialtyGeneral, result: &Result{Score: 9, Approved: true}},
		&Config{Timeout: 20 * time.Millisecond},
	)

	_, err := d.Dispatch(context.Background(), testArtifact(), 6.0)
	require.Error(t, err)
	assert.Equal(t, agent.FaultTimeout, agent.KindOf(err))
}

func TestResolveDeterministic(t *testing.T) {
	d := newTestDispatcher(t,
		&stubReviewer{name: "sec", specialty: SpecialtySecurity},
		&stubReviewer{name: "gen", specialty: SpecialtyGeneral},
		nil,
	)
	first := &Result{Reviewer: "sec", Score: 4, Issues: []Issue{
		{Category: CategorySecurity, Severity: SeverityWarning, Description: "weak token check"},
	}}
	second := &Result{Reviewer: "gen", Score: 9, Approved: true}

	want := d.resolve(first, second, 6.0)
	for range 10 {
		got := d.resolve(first, second, 6.0)
		assert.Equal(t, want.Outcome, got.Outcome)
		assert.Equal(t, want.CombinedScore, got.CombinedScore)
		assert.Equal(t, want.Reason, got.Reason)
	}
}

func TestDominantCategoryTieOrder(t *testing.T) {
	issues := []Issue{
		{Category: CategoryGeneral},
		{Category: CategorySecurity},
	}
	assert.Equal(t, CategorySecurity, dominantCategory(issues))
	assert.Equal(t, Category(""), dominantCategory(nil))
}
