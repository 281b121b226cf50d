package verify

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/soakring/internal/orchestrator"
	"github.com/sawpanic/soakring/internal/overrides"
	"github.com/sawpanic/soakring/internal/params"
	"github.com/sawpanic/soakring/internal/tuner"
)

func quoteDoc(minInterval float64) map[string]any {
	return map[string]any{"quote": map[string]any{"min_interval_ms": minInterval}}
}

func proposal(from, target float64) *tuner.Delta {
	return &tuner.Delta{
		Zone: "MODERATE",
		Changes: []tuner.Change{
			{Param: "min_interval_ms", From: from, Target: target, Direction: +1},
		},
	}
}

func TestAutoPassWhenNothingProposed(t *testing.T) {
	v, err := New(params.Default(), LevelStrict)
	require.NoError(t, err)

	report, err := v.Verify([]orchestrator.IterSummary{
		{Iteration: 1, RunID: "r1", SkipReason: orchestrator.SkipNoDeltas, ResolvedConfig: quoteDoc(70)},
		{Iteration: 2, RunID: "r1", SkipReason: orchestrator.SkipFinalIteration, ResolvedConfig: quoteDoc(70)},
	}, nil)
	require.NoError(t, err)

	assert.True(t, report.Gate.AutoPass)
	assert.True(t, report.Gate.Pass)
	assert.Equal(t, 0, report.Gate.TotalProposed)
}

func TestFullApplyPassesStrictGate(t *testing.T) {
	v, err := New(params.Default(), LevelStrict)
	require.NoError(t, err)

	summaries := []orchestrator.IterSummary{
		{
			Iteration: 1, RunID: "r1",
			ResolvedConfig:     quoteDoc(70),
			ProposedDelta:      proposal(70, 90),
			AppliedDelta:       []overrides.AppliedChange{{Param: "min_interval_ms", Previous: 70, Target: 90, Value: 90}},
			OverridesSignature: "sig-a",
		},
		{
			Iteration: 2, RunID: "r1",
			ResolvedConfig:     quoteDoc(90),
			SkipReason:         orchestrator.SkipFinalIteration,
			OverridesSignature: "sig-a",
		},
	}

	report, err := v.Verify(summaries, nil)
	require.NoError(t, err)

	assert.True(t, report.Gate.Pass)
	assert.Equal(t, 1.0, report.Gate.FullApplyRatio)
	require.Len(t, report.Records[0].Changes, 1)
	assert.Equal(t, OutcomeFull, report.Records[0].Changes[0].Outcome)
	assert.False(t, report.Gate.SignatureStuck)
}

func TestPartialAndFailedFailStrictGate(t *testing.T) {
	v, err := New(params.Default(), LevelStrict)
	require.NoError(t, err)

	summaries := []orchestrator.IterSummary{
		{
			Iteration: 1, RunID: "r1",
			ResolvedConfig: quoteDoc(70),
			ProposedDelta:  proposal(70, 110), // lands at 90: partial
		},
		{
			Iteration: 2, RunID: "r1",
			ResolvedConfig: quoteDoc(90),
			ProposedDelta:  proposal(90, 110), // never moves: failed
		},
		{
			Iteration: 3, RunID: "r1",
			ResolvedConfig: quoteDoc(90),
			SkipReason:     orchestrator.SkipFinalIteration,
		},
	}

	report, err := v.Verify(summaries, nil)
	require.NoError(t, err)

	assert.Equal(t, OutcomePartial, report.Records[0].Changes[0].Outcome)
	assert.Equal(t, OutcomeFailed, report.Records[1].Changes[0].Outcome)
	assert.False(t, report.Gate.Pass)
	assert.Equal(t, 0.0, report.Gate.FullApplyRatio)

	// Same shortfall clears the soft PR gate threshold check the same way.
	soft, err := New(params.Default(), LevelSoft)
	require.NoError(t, err)
	softReport, err := soft.Verify(summaries, nil)
	require.NoError(t, err)
	assert.False(t, softReport.Gate.Pass)
}

func TestSignatureStuckDetection(t *testing.T) {
	v, err := New(params.Default(), LevelMedium)
	require.NoError(t, err)

	summaries := []orchestrator.IterSummary{
		{
			Iteration: 1, RunID: "r1",
			ResolvedConfig:     quoteDoc(70),
			ProposedDelta:      proposal(70, 90),
			OverridesSignature: "sig-frozen",
		},
		{
			Iteration: 2, RunID: "r1",
			ResolvedConfig:     quoteDoc(70),
			ProposedDelta:      proposal(70, 90),
			OverridesSignature: "sig-frozen",
		},
	}

	report, err := v.Verify(summaries, nil)
	require.NoError(t, err)
	assert.True(t, report.Gate.SignatureStuck)
	assert.True(t, report.Records[1].SignatureStuck)
	assert.False(t, report.Records[0].SignatureStuck)
}

func TestLastIterationUsesFinalOverrides(t *testing.T) {
	v, err := New(params.Default(), LevelStrict)
	require.NoError(t, err)

	summaries := []orchestrator.IterSummary{
		{
			Iteration: 1, RunID: "r1",
			ResolvedConfig: quoteDoc(70),
			ProposedDelta:  proposal(70, 90),
		},
	}
	report, err := v.Verify(summaries, quoteDoc(90))
	require.NoError(t, err)
	assert.Equal(t, OutcomeFull, report.Records[0].Changes[0].Outcome)
	assert.True(t, report.Gate.Pass)
}

func TestWriteReportRendersGateAndShortfalls(t *testing.T) {
	v, err := New(params.Default(), LevelStrict)
	require.NoError(t, err)

	summaries := []orchestrator.IterSummary{
		{
			Iteration: 1, RunID: "r1",
			ResolvedConfig: quoteDoc(70),
			ProposedDelta:  proposal(70, 110),
		},
		{Iteration: 2, RunID: "r1", ResolvedConfig: quoteDoc(90), SkipReason: orchestrator.SkipFinalIteration},
	}
	report, err := v.Verify(summaries, nil)
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, WriteReport(dir, report, true))

	md, err := os.ReadFile(ReportPath(dir))
	require.NoError(t, err)
	assert.Contains(t, string(md), "Delta Verification Report")
	assert.Contains(t, string(md), "FAIL")
	assert.Contains(t, string(md), "Shortfalls")

	_, err = os.Stat(JSONPath(dir))
	require.NoError(t, err)
}
