package database

import (
	"context"
	"time"

	"github.com/ganamos/backend/pkg/logger"
	"github.com/go-redis/redis/v8"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// RedisAddr returns host:port from config.
func RedisAddr() string {
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", "6379")
	return viper.GetString("redis.host") + ":" + viper.GetString("redis.port")
}

// InitRedis initializes Redis client with config. A nil client means
// Redis is unavailable and callers run without locks or session caching.
func InitRedis() *redis.Client {
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	rdb := redis.NewClient(&redis.Options{
		Addr:     RedisAddr(),
		Password: viper.GetString("redis.password"),
		DB:       viper.GetInt("redis.db"),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn("[REDIS] connection failed, continuing without Redis", zap.Error(err))
		rdb.Close()
		return nil
	}

	logger.Info("[REDIS] connection established", zap.String("addr", RedisAddr()))
	return rdb
}
