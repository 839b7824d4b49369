package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
)

// PoolStats reports connection pool state to Prometheus.
type PoolStats func()

// PgxPoolStats samples a pgx pool.
func PgxPoolStats(pool *pgxpool.Pool) PoolStats {
	return func() {
		stats := pool.Stat()
		setPool("postgres", stats.AcquiredConns(), stats.IdleConns(), stats.MaxConns())
	}
}

// RedisPoolStats samples a go-redis client pool.
func RedisPoolStats(client *goredis.Client, poolSize int) PoolStats {
	return func() {
		stats := client.PoolStats()
		inUse := int32(stats.TotalConns) - int32(stats.IdleConns)
		setPool("redis", inUse, int32(stats.IdleConns), int32(poolSize))
	}
}

func setPool(driver string, inUse, idle, maxConns int32) {
	StorePoolConnections.WithLabelValues(driver, "in_use").Set(float64(inUse))
	StorePoolConnections.WithLabelValues(driver, "idle").Set(float64(idle))
	StorePoolConnections.WithLabelValues(driver, "max").Set(float64(maxConns))
}
