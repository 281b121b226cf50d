package main

import (
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/soakring/internal/clock"
	"github.com/sawpanic/soakring/internal/release"
)

func newBuildBundleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build-bundle",
		Short: "Assemble the post-soak artifacts into a release bundle",
		Long: `Copies the analyzer and verifier artifacts plus the runtime overrides
into release/<name>/, generates CHANGELOG.md and rollback_plan.md from
the snapshot, and writes a sha256 manifest. With MM_FREEZE_UTC_ISO set
the bundle is byte-reproducible.`,
		RunE: runBuildBundle,
	}
	cmd.Flags().String("src", "artifacts/soak/latest", "Directory holding the run artifacts")
	cmd.Flags().String("overrides", "runtime_overrides.json", "Runtime overrides file to ship")
	cmd.Flags().String("out", "", "Bundle directory, e.g. release/v1.2.3 (required)")
	cmd.MarkFlagRequired("out")
	return cmd
}

func runBuildBundle(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	src, _ := flags.GetString("src")
	overrides, _ := flags.GetString("overrides")
	out, _ := flags.GetString("out")

	manifest, err := release.NewBundler(clock.New()).Build(src, overrides, out)
	if err != nil {
		return err
	}
	log.Info().
		Str("bundle", out).
		Int("files", len(manifest.Entries)).
		Int64("bytes", manifest.TotalBytes).
		Msg("bundle ready")
	return nil
}

func newTagAndCanaryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tag-and-canary",
		Short: "Write the canary checklist and print the annotated tag message",
		RunE:  runTagAndCanary,
	}
	cmd.Flags().String("bundle", "", "Bundle directory built by build-bundle (required)")
	cmd.Flags().String("tag", "", "Release tag, e.g. v1.2.3 (required)")
	cmd.Flags().Bool("dry-run", false, "Print the tag message without writing the checklist")
	cmd.MarkFlagRequired("bundle")
	cmd.MarkFlagRequired("tag")
	return cmd
}

func runTagAndCanary(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	bundle, _ := flags.GetString("bundle")
	tag, _ := flags.GetString("tag")
	dryRun, _ := flags.GetBool("dry-run")

	return release.TagAndCanary(clock.New(), release.CanaryOptions{
		BundleDir: bundle,
		Tag:       tag,
		DryRun:    dryRun,
	}, os.Stdout)
}
