package verify

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/sawpanic/soakring/internal/atomicio"
)

// ReportPath names DELTA_VERIFY_REPORT.md inside the output directory.
func ReportPath(dir string) string {
	return filepath.Join(dir, "DELTA_VERIFY_REPORT.md")
}

// JSONPath names DELTA_VERIFY.json inside the output directory.
func JSONPath(dir string) string {
	return filepath.Join(dir, "DELTA_VERIFY.json")
}

// WriteReport renders the markdown report; withJSON also emits the machine
// copy alongside it.
func WriteReport(dir string, r *Report, withJSON bool) error {
	if err := atomicio.WriteFileAtomic(ReportPath(dir), []byte(renderMarkdown(r))); err != nil {
		return err
	}
	if withJSON {
		return atomicio.WriteJSONAtomic(JSONPath(dir), r)
	}
	return nil
}

func renderMarkdown(r *Report) string {
	var b strings.Builder
	b.WriteString("# Delta Verification Report\n\n")
	fmt.Fprintf(&b, "Run: `%s`\n\n", r.RunID)

	verdict := "FAIL"
	switch {
	case r.Gate.AutoPass:
		verdict = "AUTO-PASS (no deltas proposed)"
	case r.Gate.Pass:
		verdict = "PASS"
	}
	fmt.Fprintf(&b, "**Gate (%s ≥ %.2f): %s** — full_apply_ratio %.3f over %d proposed changes\n\n",
		r.Gate.Level, r.Gate.Threshold, verdict, r.Gate.FullApplyRatio, r.Gate.TotalProposed)
	if r.Gate.SignatureStuck {
		b.WriteString("> WARNING: overrides signature stuck across consecutive iterations despite non-empty proposals.\n\n")
	}

	b.WriteString("| Iter | Proposed | Full | Partial | Failed | Ratio | Skip | Stuck |\n")
	b.WriteString("|-----:|---------:|-----:|--------:|-------:|------:|------|:-----:|\n")
	for _, rec := range r.Records {
		stuck := ""
		if rec.SignatureStuck {
			stuck = "yes"
		}
		fmt.Fprintf(&b, "| %d | %d | %d | %d | %d | %.2f | %s | %s |\n",
			rec.Iteration, rec.ProposedCount, rec.AppliedCount, rec.PartialCount,
			rec.FailedCount, rec.FullApplyRatio, rec.SkipReason, stuck)
	}
	b.WriteString("\n")

	wrote := false
	for _, rec := range r.Records {
		for _, ch := range rec.Changes {
			if ch.Outcome == OutcomeFull {
				continue
			}
			if !wrote {
				b.WriteString("## Shortfalls\n\n")
				wrote = true
			}
			final := "missing"
			if ch.HasFinal {
				final = fmt.Sprintf("%g", ch.Final)
			}
			fmt.Fprintf(&b, "- iter %d `%s`: proposed %g → %g, final %s (%s)\n",
				rec.Iteration, ch.Param, ch.From, ch.Target, final, ch.Outcome)
		}
	}
	if wrote {
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Totals: %d full / %d partial / %d failed\n",
		r.Gate.TotalFull, r.Gate.TotalPartial, r.Gate.TotalFailed)
	return b.String()
}
