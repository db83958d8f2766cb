package storage

import (
	"context"
	"fmt"

	"email-intake-go/internal/config"
	"email-intake-go/internal/logger"
)

// Storage 存储管理器，聚合所有存储相关依赖
// 与管道的约定：MinIO/MySQL/RabbitMQ是必需的基础设施，初始化失败即启动失败；
// Redis仅在开启重复投递短路时必需
type Storage struct {
	// 对象归档
	MinIO *MinIO

	// 分析记录
	MySQL *MySQL

	// 消息队列
	RabbitMQ *RabbitMQ

	// 已见消息记录（可选）
	Redis *Redis
}

// NewStorage 创建存储管理器
func NewStorage(ctx context.Context, cfg *config.Config) (*Storage, error) {
	if cfg == nil {
		return nil, fmt.Errorf("配置不能为空")
	}

	s := &Storage{}
	var err error

	s.MinIO, err = NewMinIO(&cfg.MinIO)
	if err != nil {
		return nil, fmt.Errorf("初始化MinIO失败: %w", err)
	}

	s.MySQL, err = NewMySQL(&cfg.MySQL)
	if err != nil {
		return nil, fmt.Errorf("初始化MySQL失败: %w", err)
	}

	s.RabbitMQ, err = NewRabbitMQ(&cfg.RabbitMQ)
	if err != nil {
		return nil, fmt.Errorf("初始化RabbitMQ失败: %w", err)
	}

	if cfg.Redis.Address != "" {
		s.Redis, err = NewRedis(&cfg.Redis)
		if err != nil {
			if cfg.Intake.DedupRedeliveries {
				return nil, fmt.Errorf("初始化Redis失败: %w", err)
			}
			logger.Warn().Err(err).Msg("初始化Redis失败，重复投递短路不可用")
		}
	} else {
		logger.Info().Msg("Redis未配置, 跳过初始化")
	}

	return s, nil
}

// Close 关闭所有连接
func (s *Storage) Close() {
	if s.RabbitMQ != nil {
		if err := s.RabbitMQ.Close(); err != nil {
			logger.Error().Err(err).Msg("关闭RabbitMQ连接失败")
		}
	}
	if s.MySQL != nil {
		if err := s.MySQL.Close(); err != nil {
			logger.Error().Err(err).Msg("关闭MySQL连接失败")
		}
	}
	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			logger.Error().Err(err).Msg("关闭Redis连接失败")
		}
	}
	// MinIO客户端无需显式Close
}
