package main

import (
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/soakring/internal/edge"
	"github.com/sawpanic/soakring/internal/exporter"
	"github.com/sawpanic/soakring/internal/orchestrator"
	"github.com/sawpanic/soakring/internal/secrets"
)

func newExporterRedisCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "redis",
		Short: "Publish the latest KPI vector per symbol to Redis",
		Long: `Reads the run's iteration summaries and publishes the final KPI vector
under {env}:{exchange}:shadow:latest:{SYMBOL}. Always exits 0: on connect
failure every write is logged as a dry-run instead.`,
		RunE: runExporterRedis,
	}
	cmd.Flags().String("src", "artifacts/soak/latest", "Directory holding ITER_SUMMARY files")
	cmd.Flags().String("redis-url", "", "Redis URL (falls back to $SOAK_REDIS_URL, then dry-run)")
	cmd.Flags().String("env", "dev", "Environment key segment")
	cmd.Flags().String("exchange", "kraken", "Exchange key segment")
	cmd.Flags().String("symbol", "BTCUSD", "Symbol to publish under")
	cmd.Flags().Bool("hash-mode", true, "One hash per symbol via HSET+EXPIRE")
	cmd.Flags().Bool("flat-keys", false, "Legacy one key per KPI via SETEX")
	cmd.Flags().Int("batch-size", exporter.DefaultBatchSize, "Pipeline batch size (max 100)")
	cmd.Flags().Int("ttl", 3600, "Key TTL in seconds")
	cmd.Flags().Bool("dry-run", false, "Log writes without touching Redis")
	return cmd
}

func runExporterRedis(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	src, _ := flags.GetString("src")
	redisURL, _ := flags.GetString("redis-url")
	env, exchange, symbol := labelFlags(flags)
	hashMode, _ := flags.GetBool("hash-mode")
	flatKeys, _ := flags.GetBool("flat-keys")
	batchSize, _ := flags.GetInt("batch-size")
	ttl, _ := flags.GetInt("ttl")
	dryRun, _ := flags.GetBool("dry-run")

	summaries, err := orchestrator.ReadSummaries(src)
	if err != nil {
		return err
	}
	var latest *edge.KPI
	for i := len(summaries) - 1; i >= 0; i-- {
		if summaries[i].KPIs != nil {
			latest = summaries[i].KPIs
			break
		}
	}
	if latest == nil {
		log.Warn().Str("src", src).Msg("no iteration with KPIs, nothing to publish")
		return nil
	}

	if redisURL == "" {
		if v, err := secrets.NewEnvProvider("SOAK").Get("redis_url"); err == nil {
			redisURL = v
		}
	}

	mode := exporter.ModeHash
	if flatKeys || !hashMode {
		mode = exporter.ModeFlat
	}
	opts := exporter.RedisOptions{
		Env:       env,
		Exchange:  exchange,
		Mode:      mode,
		BatchSize: batchSize,
		TTL:       time.Duration(ttl) * time.Second,
		DryRun:    dryRun || redisURL == "",
	}

	var client redis.UniversalClient
	if !opts.DryRun {
		ropts, err := redis.ParseURL(redisURL)
		if err != nil {
			log.Warn().Err(err).Str("url", secrets.RedactURL(redisURL)).
				Msg("bad redis url, falling back to dry-run")
			opts.DryRun = true
		} else {
			client = redis.NewClient(ropts)
			defer client.Close()
			log.Info().Str("url", secrets.RedactURL(redisURL)).Msg("publishing to redis")
		}
	}

	pub := exporter.NewRedisPublisher(client, opts)
	if err := pub.Publish(cmd.Context(), map[string]*edge.KPI{symbol: latest}); err != nil {
		// Best-effort by contract: the writes were already logged dry-run.
		log.Warn().Err(err).Msg("publish degraded")
	}
	return nil
}
