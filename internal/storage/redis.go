package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"

	"email-intake-go/internal/config"
	"email-intake-go/internal/logger"
)

// seenMessageSetKey 已处理internetMessageId的集合键
const seenMessageSetKey = "intake:seen_message_ids"

// Redis 提供重复投递短路所需的已见消息记录
type Redis struct {
	client *redis.Client
	cfg    *config.RedisConfig
}

// NewRedis 创建Redis客户端并安装追踪钩子
func NewRedis(cfg *config.RedisConfig) (*Redis, error) {
	if cfg == nil {
		return nil, fmt.Errorf("Redis配置不能为空")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})

	if err := redisotel.InstrumentTracing(client); err != nil {
		return nil, fmt.Errorf("安装Redis追踪钩子失败: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("连接Redis失败 (%s): %w", cfg.Address, err)
	}

	logger.Info().Str("address", cfg.Address).Msg("Redis客户端初始化成功")
	return &Redis{client: client, cfg: cfg}, nil
}

// Close 关闭连接
func (r *Redis) Close() error {
	return r.client.Close()
}

// CheckAndAddSeenMessage 原子性地检查并登记internetMessageId
// 返回true表示该消息此前已被处理过（重复投递）
// SADD返回新增成员数：0说明已存在；每次调用刷新集合TTL
func (r *Redis) CheckAndAddSeenMessage(ctx context.Context, internetMessageID string) (bool, error) {
	added, err := r.client.SAdd(ctx, seenMessageSetKey, internetMessageID).Result()
	if err != nil {
		return false, fmt.Errorf("登记已见消息失败 (message_id=%s): %w", internetMessageID, err)
	}

	expire := time.Duration(r.cfg.SeenMessageExpireDays) * 24 * time.Hour
	if err := r.client.Expire(ctx, seenMessageSetKey, expire).Err(); err != nil {
		logger.Warn().
			Err(err).
			Str("key", seenMessageSetKey).
			Msg("刷新已见消息集合TTL失败")
	}

	return added == 0, nil
}

// RemoveSeenMessage 移除登记记录，供处理失败后回滚短路状态使用
func (r *Redis) RemoveSeenMessage(ctx context.Context, internetMessageID string) error {
	if err := r.client.SRem(ctx, seenMessageSetKey, internetMessageID).Err(); err != nil {
		return fmt.Errorf("移除已见消息记录失败 (message_id=%s): %w", internetMessageID, err)
	}
	return nil
}
