package release

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/soakring/internal/analyzer"
	"github.com/sawpanic/soakring/internal/atomicio"
	"github.com/sawpanic/soakring/internal/clock"
)

// ChecklistFile is written into the bundle by tag-and-canary.
const ChecklistFile = "CANARY_CHECKLIST.md"

// CanaryOptions drives the tag-and-canary step.
type CanaryOptions struct {
	BundleDir string
	Tag       string
	DryRun    bool
}

// TagAndCanary validates the bundle, writes the canary checklist into it,
// and prints the annotated tag message to out. In dry-run mode nothing is
// written; the message is still printed so reviewers can inspect it.
func TagAndCanary(clk clock.Clock, opts CanaryOptions, out io.Writer) error {
	if opts.Tag == "" {
		return fmt.Errorf("tag is required")
	}
	manifest, err := readManifest(filepath.Join(opts.BundleDir, ManifestFile))
	if err != nil {
		return err
	}
	snap, err := readSnapshot(filepath.Join(opts.BundleDir, analyzer.SnapshotFile))
	if err != nil {
		return err
	}

	msg := tagMessage(opts.Tag, snap.RunID, snap.Verdict, manifest, clk.Now().UTC())
	fmt.Fprint(out, msg)

	if opts.DryRun {
		log.Info().Str("tag", opts.Tag).Msg("dry-run: checklist not written")
		return nil
	}
	checklist := renderChecklist(opts.Tag, snap.RunID, clk.Now().UTC())
	if err := atomicio.WriteFileAtomic(filepath.Join(opts.BundleDir, ChecklistFile), []byte(checklist)); err != nil {
		return err
	}
	log.Info().Str("tag", opts.Tag).Str("bundle", opts.BundleDir).Msg("canary checklist written")
	return nil
}

func readManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("bundle manifest missing: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &m, nil
}

func tagMessage(tag, runID, verdict string, m *Manifest, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: soak run %s (%s)\n\n", tag, runID, verdict)
	fmt.Fprintf(&b, "Tagged %s from bundle %s (%d files, %d bytes).\n\n",
		now.Format(time.RFC3339), m.Name, len(m.Entries), m.TotalBytes)
	b.WriteString("Bundle contents:\n")
	for _, e := range m.Entries {
		fmt.Fprintf(&b, "  %s  %s\n", e.ChecksumSHA256[:12], e.Path)
	}
	return b.String()
}

func renderChecklist(tag, runID string, now time.Time) string {
	return fmt.Sprintf(`# Canary Checklist — %s

Soak run %s, prepared %s.

- [ ] Bundle manifest checksums verified against disk.
- [ ] Overrides file deployed to the canary host only.
- [ ] Canary running for 30 minutes with risk_ratio <= 0.40.
- [ ] net_bps on canary within 10%% of the soak window median.
- [ ] No partial_freeze_active subsystems on the monitor endpoint.
- [ ] Rollback plan reviewed and the previous bundle within reach.
- [ ] Sign-off recorded before widening beyond the canary.
`, tag, runID, now.Format(time.RFC3339))
}
