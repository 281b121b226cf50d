// Package release assembles the post-soak artifacts into a reviewable
// bundle and prepares the tag + canary rollout that follows a READY
// verdict.
package release

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/soakring/internal/analyzer"
	"github.com/sawpanic/soakring/internal/atomicio"
	"github.com/sawpanic/soakring/internal/clock"
)

// Bundle contents. Required files must exist in the source directory;
// optional ones are copied when present.
var (
	requiredFiles = []string{
		analyzer.SnapshotFile,
		analyzer.AuditFile,
		analyzer.RecommendationsFile,
		analyzer.FailuresFile,
	}
	optionalFiles = []string{
		"DELTA_VERIFY_REPORT.md",
		"DELTA_VERIFY.json",
		"POST_SOAK_METRICS.prom",
	}
)

// OverridesBundleName is how runtime_overrides.json ships inside a bundle.
const OverridesBundleName = "soak_profile.runtime_overrides.json"

// ManifestFile lists every bundled file with its checksum.
const ManifestFile = "MANIFEST.json"

// ManifestEntry is one bundled file.
type ManifestEntry struct {
	Path           string `json:"path"`
	Bytes          int64  `json:"bytes"`
	ChecksumSHA256 string `json:"checksum_sha256"`
}

// Manifest indexes a bundle for integrity checks.
type Manifest struct {
	Name         string          `json:"name"`
	GeneratedUTC string          `json:"generated_utc"`
	Version      string          `json:"version"`
	Entries      []ManifestEntry `json:"entries"`
	TotalBytes   int64           `json:"total_bytes"`
}

// Bundler copies artifacts from a finished run into release/<name>/.
type Bundler struct {
	clk clock.Clock
}

// NewBundler uses clk for every timestamp in the bundle, so a frozen clock
// yields byte-identical bundles.
func NewBundler(clk clock.Clock) *Bundler {
	return &Bundler{clk: clk}
}

// Build assembles dst from the artifacts in src plus the overrides file.
// A missing required artifact aborts before anything is written.
func (b *Bundler) Build(src, overridesPath, dst string) (*Manifest, error) {
	snap, err := readSnapshot(filepath.Join(src, analyzer.SnapshotFile))
	if err != nil {
		return nil, err
	}
	for _, name := range requiredFiles {
		if _, err := os.Stat(filepath.Join(src, name)); err != nil {
			return nil, fmt.Errorf("required artifact missing: %s: %w", name, err)
		}
	}

	if err := os.MkdirAll(dst, 0o755); err != nil {
		return nil, fmt.Errorf("create bundle dir: %w", err)
	}

	copies := map[string]string{} // bundle name -> source path
	for _, name := range requiredFiles {
		copies[name] = filepath.Join(src, name)
	}
	for _, name := range optionalFiles {
		p := filepath.Join(src, name)
		if _, err := os.Stat(p); err == nil {
			copies[name] = p
		}
	}
	if overridesPath != "" {
		if _, err := os.Stat(overridesPath); err == nil {
			copies[OverridesBundleName] = overridesPath
		}
	}

	for name, srcPath := range copies {
		data, err := os.ReadFile(srcPath)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", srcPath, err)
		}
		if err := atomicio.WriteFileAtomic(filepath.Join(dst, name), data); err != nil {
			return nil, err
		}
	}

	now := b.clk.Now().UTC()
	generated := []struct {
		name string
		body string
	}{
		{"CHANGELOG.md", renderChangelog(snap, now)},
		{"rollback_plan.md", renderRollbackPlan(snap, now)},
	}
	for _, g := range generated {
		if err := atomicio.WriteFileAtomic(filepath.Join(dst, g.name), []byte(g.body)); err != nil {
			return nil, err
		}
	}

	manifest, err := b.buildManifest(dst, now)
	if err != nil {
		return nil, err
	}
	if err := atomicio.WriteJSONAtomic(filepath.Join(dst, ManifestFile), manifest); err != nil {
		return nil, err
	}

	log.Info().
		Str("bundle", dst).
		Int("files", len(manifest.Entries)).
		Str("verdict", snap.Verdict).
		Msg("release bundle built")
	return manifest, nil
}

// buildManifest checksums every bundled file in sorted path order.
func (b *Bundler) buildManifest(dir string, now time.Time) (*Manifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || e.Name() == ManifestFile {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	m := &Manifest{
		Name:         filepath.Base(dir),
		GeneratedUTC: now.Format(time.RFC3339),
		Version:      clock.Version(),
	}
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		m.Entries = append(m.Entries, ManifestEntry{
			Path:           name,
			Bytes:          int64(len(data)),
			ChecksumSHA256: fmt.Sprintf("%x", sha256.Sum256(data)),
		})
		m.TotalBytes += int64(len(data))
	}
	return m, nil
}

func readSnapshot(path string) (*analyzer.Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("required artifact missing: %s: %w", filepath.Base(path), err)
	}
	var snap analyzer.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

func renderChangelog(snap *analyzer.Snapshot, now time.Time) string {
	kpiLine := func(name string) string {
		s := snap.KPIs[name]
		return fmt.Sprintf("| %s | %.3f | %.3f | %.3f | %.3f |", name, s.Min, s.Median, s.Mean, s.Max)
	}
	return fmt.Sprintf(`# Changelog

## Soak run %s — %s

Verdict **%s** (freeze_ready=%v), %d/%d window iterations passing all hard gates.

| KPI | Min | Median | Mean | Max |
|-----|----:|-------:|-----:|----:|
%s
%s
%s
%s

Apply health: full_apply_ratio %.3f, signature_stuck=%v.
`,
		snap.RunID, now.Format(time.RFC3339),
		snap.Verdict, snap.FreezeReady, snap.PassCountLastN, snap.LastN,
		kpiLine(analyzer.KPIMakerTaker),
		kpiLine(analyzer.KPINetBps),
		kpiLine(analyzer.KPIP95Latency),
		kpiLine(analyzer.KPIRiskRatio),
		snap.FullApplyRatio, snap.SignatureStuck)
}

func renderRollbackPlan(snap *analyzer.Snapshot, now time.Time) string {
	return fmt.Sprintf(`# Rollback Plan

Prepared %s for soak run %s. Target: live again on the previous overrides
within 10 minutes.

1. (1 min) Stop the quoting engine: send SIGTERM, wait for open-order drain.
2. (2 min) Restore the previous overrides file from the prior bundle's
   %s and verify its signature against that bundle's MANIFEST.json.
3. (1 min) Restart the engine pointing at the restored overrides.
4. (3 min) Watch soak_risk_ratio and soak_net_bps on the monitor endpoint;
   both must return to their pre-release medians.
5. (1 min) Re-run delta verification over the last window to confirm no
   partial applies were left behind.
6. (2 min) Announce the rollback and file the failed bundle for audit.

Abort criteria while watching: risk_ratio above 0.40 for two consecutive
samples, or net_bps below 0.
`, now.Format(time.RFC3339), snap.RunID, OverridesBundleName)
}
