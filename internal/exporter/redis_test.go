package exporter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/soakring/internal/edge"
)

func sampleKPI() *edge.KPI {
	return &edge.KPI{
		NetBps:          3.3,
		RiskRatio:       0.39,
		MakerTakerRatio: 0.89,
		MakerSharePct:   89.0,
		OrderAgeMsP95:   305,
		WsLagMsP95:      125,
		AdverseBpsP95:   2.6,
		SlippageBpsP95:  1.8,
		UTC:             "2025-11-03T00:00:00Z",
		Version:         "v1.2.3",
	}
}

func hsetArgs(k *edge.KPI) []any {
	fields := kpiFields(k)
	args := make([]any, 0, len(fields)*2)
	for _, name := range sortedKeys(fields) {
		args = append(args, name, fields[name])
	}
	return args
}

func TestNormalizeSymbol(t *testing.T) {
	assert.Equal(t, "BTCUSD", NormalizeSymbol("btc-usd"))
	assert.Equal(t, "BTCUSD", NormalizeSymbol("BTC/USD"))
	assert.Equal(t, "ETH2X", NormalizeSymbol("eth2x"))
}

func TestHashModePublishesHSetAndExpire(t *testing.T) {
	db, mock := redismock.NewClientMock()
	pub := NewRedisPublisher(db, RedisOptions{Env: "prod", Exchange: "kraken"})

	k := sampleKPI()
	key := "prod:kraken:shadow:latest:BTCUSD"
	mock.ExpectHSet(key, hsetArgs(k)...).SetVal(10)
	mock.ExpectExpire(key, DefaultTTL).SetVal(true)

	err := pub.Publish(context.Background(), map[string]*edge.KPI{"btc-usd": k})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFlatModePublishesSetEx(t *testing.T) {
	db, mock := redismock.NewClientMock()
	pub := NewRedisPublisher(db, RedisOptions{
		Env: "prod", Exchange: "kraken", Mode: ModeFlat, TTL: 60 * time.Second,
	})

	k := sampleKPI()
	fields := kpiFields(k)
	for _, name := range sortedKeys(fields) {
		mock.ExpectSetEx("prod:kraken:shadow:latest:ETHUSD:"+name, fields[name], 60*time.Second).SetVal("OK")
	}

	err := pub.Publish(context.Background(), map[string]*edge.KPI{"ETH/USD": k})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPublishIsIdempotent(t *testing.T) {
	k := sampleKPI()
	key := "prod:kraken:shadow:latest:BTCUSD"

	// Publishing the same KPI vector twice issues the exact same command
	// sequence both times.
	for run := 0; run < 2; run++ {
		db, mock := redismock.NewClientMock()
		pub := NewRedisPublisher(db, RedisOptions{Env: "prod", Exchange: "kraken"})
		mock.ExpectHSet(key, hsetArgs(k)...).SetVal(10)
		mock.ExpectExpire(key, DefaultTTL).SetVal(true)

		require.NoError(t, pub.Publish(context.Background(), map[string]*edge.KPI{"BTCUSD": k}))
		require.NoError(t, mock.ExpectationsWereMet(), "run %d", run)
	}
}

func TestSymbolsPublishInSortedOrder(t *testing.T) {
	db, mock := redismock.NewClientMock()
	pub := NewRedisPublisher(db, RedisOptions{Env: "dev", Exchange: "kraken"})

	k := sampleKPI()
	for _, sym := range []string{"BTCUSD", "ETHUSD", "SOLUSD"} {
		key := "dev:kraken:shadow:latest:" + sym
		mock.ExpectHSet(key, hsetArgs(k)...).SetVal(10)
		mock.ExpectExpire(key, DefaultTTL).SetVal(true)
	}

	kpis := map[string]*edge.KPI{"SOLUSD": k, "BTCUSD": k, "ETHUSD": k}
	require.NoError(t, pub.Publish(context.Background(), kpis))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPublishFailureDegradesToDryRun(t *testing.T) {
	db, mock := redismock.NewClientMock()
	pub := NewRedisPublisher(db, RedisOptions{Env: "prod", Exchange: "kraken"})

	k := sampleKPI()
	mock.ExpectHSet("prod:kraken:shadow:latest:BTCUSD", hsetArgs(k)...).
		SetErr(errors.New("connection refused"))

	err := pub.Publish(context.Background(), map[string]*edge.KPI{"BTCUSD": k})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExporterTransient))
}

func TestDryRunNeverTouchesRedis(t *testing.T) {
	db, mock := redismock.NewClientMock()
	pub := NewRedisPublisher(db, RedisOptions{Env: "prod", Exchange: "kraken", DryRun: true})

	err := pub.Publish(context.Background(), map[string]*edge.KPI{"BTCUSD": sampleKPI()})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet(), "no commands expected, none sent")
}

func TestBatchSizeClamp(t *testing.T) {
	pub := NewRedisPublisher(nil, RedisOptions{Env: "e", Exchange: "x", BatchSize: 500})
	assert.Equal(t, MaxBatchSize, pub.opts.BatchSize)

	pub = NewRedisPublisher(nil, RedisOptions{Env: "e", Exchange: "x"})
	assert.Equal(t, DefaultBatchSize, pub.opts.BatchSize)
}
