package exporter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/sawpanic/soakring/infra/breakers"
	"github.com/sawpanic/soakring/internal/edge"
)

// ErrExporterTransient marks publication failures the caller may retry; the
// exporter itself already degraded to dry-run by the time it surfaces.
var ErrExporterTransient = errors.New("exporter transient failure")

// Batch limits for pipelined writes.
const (
	DefaultBatchSize = 50
	MaxBatchSize     = 100
	DefaultTTL       = 3600 * time.Second
)

// Publication modes.
const (
	ModeHash = "hash" // one hash per symbol, HSET + EXPIRE
	ModeFlat = "flat" // one key per symbol:kpi, SETEX (legacy consumers)
)

// RedisOptions configures a publisher.
type RedisOptions struct {
	Env       string
	Exchange  string
	Mode      string
	BatchSize int
	TTL       time.Duration
	DryRun    bool
}

func (o *RedisOptions) normalize() {
	if o.Mode == "" {
		o.Mode = ModeHash
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.BatchSize > MaxBatchSize {
		o.BatchSize = MaxBatchSize
	}
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
}

// RedisPublisher writes the latest KPI vector per symbol under
// {env}:{exchange}:shadow:latest:{SYMBOL}. Writes are idempotent: the same
// KPI vector produces the same commands, so re-publishing is safe.
type RedisPublisher struct {
	client  redis.UniversalClient
	opts    RedisOptions
	limiter *rate.Limiter
	breaker *breakers.Breaker
}

// NewRedisPublisher wraps an existing client. The limiter paces pipeline
// flushes to 10/s with small bursts so a large symbol set cannot flood a
// shared Redis.
func NewRedisPublisher(client redis.UniversalClient, opts RedisOptions) *RedisPublisher {
	opts.normalize()
	return &RedisPublisher{
		client:  client,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(10), 5),
		breaker: breakers.New("redis-exporter"),
	}
}

// NormalizeSymbol uppercases and strips everything outside [A-Z0-9], so
// "btc-usd" and "BTC/USD" publish under the same key.
func NormalizeSymbol(symbol string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(symbol) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (p *RedisPublisher) key(symbol string) string {
	return fmt.Sprintf("%s:%s:shadow:latest:%s", p.opts.Env, p.opts.Exchange, NormalizeSymbol(symbol))
}

func kpiFields(k *edge.KPI) map[string]string {
	return map[string]string{
		"net_bps":           fmt.Sprintf("%.4f", k.NetBps),
		"risk_ratio":        fmt.Sprintf("%.4f", k.RiskRatio),
		"maker_taker_ratio": fmt.Sprintf("%.4f", k.MakerTakerRatio),
		"maker_share_pct":   fmt.Sprintf("%.2f", k.MakerSharePct),
		"order_age_ms_p95":  fmt.Sprintf("%.1f", k.OrderAgeMsP95),
		"ws_lag_ms_p95":     fmt.Sprintf("%.1f", k.WsLagMsP95),
		"adverse_bps_p95":   fmt.Sprintf("%.2f", k.AdverseBpsP95),
		"slippage_bps_p95":  fmt.Sprintf("%.2f", k.SlippageBpsP95),
		"utc":               k.UTC,
		"version":           k.Version,
	}
}

// op is one queued Redis command, kept abstract so dry-run can log it.
type op struct {
	desc  string
	queue func(ctx context.Context, pipe redis.Pipeliner)
}

// Publish writes each symbol's KPI vector. On any transport failure it logs
// the remaining writes as dry-run and reports ErrExporterTransient without
// failing the caller's pipeline: the orchestrator treats publication as
// best-effort.
func (p *RedisPublisher) Publish(ctx context.Context, kpis map[string]*edge.KPI) error {
	ops := p.buildOps(kpis)
	if p.opts.DryRun || p.client == nil {
		p.logDryRun(ops)
		return nil
	}

	for start := 0; start < len(ops); start += p.opts.BatchSize {
		end := start + p.opts.BatchSize
		if end > len(ops) {
			end = len(ops)
		}
		batch := ops[start:end]

		if err := p.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: %v", ErrExporterTransient, err)
		}
		err := p.breaker.Execute(func() error {
			return p.flush(ctx, batch)
		})
		if err != nil {
			// Bail out of this publication; the next flush starts clean.
			log.Warn().Err(err).Int("remaining_ops", len(ops)-start).
				Msg("redis publish failed, degrading to dry-run")
			p.logDryRun(ops[start:])
			return fmt.Errorf("%w: %v", ErrExporterTransient, err)
		}
	}
	log.Info().Int("ops", len(ops)).Str("mode", p.opts.Mode).Msg("redis publish complete")
	return nil
}

func (p *RedisPublisher) buildOps(kpis map[string]*edge.KPI) []op {
	symbols := make([]string, 0, len(kpis))
	for sym := range kpis {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	var ops []op
	for _, sym := range symbols {
		k := kpis[sym]
		key := p.key(sym)
		fields := kpiFields(k)

		if p.opts.Mode == ModeFlat {
			for _, name := range sortedKeys(fields) {
				value := fields[name]
				flatKey := key + ":" + name
				ops = append(ops, op{
					desc: fmt.Sprintf("SETEX %s %d %s", flatKey, int(p.opts.TTL.Seconds()), value),
					queue: func(ctx context.Context, pipe redis.Pipeliner) {
						pipe.SetEx(ctx, flatKey, value, p.opts.TTL)
					},
				})
			}
			continue
		}

		args := make([]any, 0, len(fields)*2)
		for _, name := range sortedKeys(fields) {
			args = append(args, name, fields[name])
		}
		ops = append(ops, op{
			desc: fmt.Sprintf("HSET %s (%d fields)", key, len(fields)),
			queue: func(ctx context.Context, pipe redis.Pipeliner) {
				pipe.HSet(ctx, key, args...)
			},
		})
		ops = append(ops, op{
			desc: fmt.Sprintf("EXPIRE %s %d", key, int(p.opts.TTL.Seconds())),
			queue: func(ctx context.Context, pipe redis.Pipeliner) {
				pipe.Expire(ctx, key, p.opts.TTL)
			},
		})
	}
	return ops
}

func (p *RedisPublisher) flush(ctx context.Context, batch []op) error {
	pipe := p.client.Pipeline()
	for _, o := range batch {
		o.queue(ctx, pipe)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (p *RedisPublisher) logDryRun(ops []op) {
	for _, o := range ops {
		log.Info().Str("op", o.desc).Msg("[DRY-RUN] redis write")
	}
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
