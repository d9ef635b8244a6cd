// Package redis 全局 Redis 连接，供票据注册表、事件发布与清理锁共用
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/pu-ac-cn/uac-ticket/internal/config"
	"github.com/redis/go-redis/v9"
)

var client *redis.Client

// Init 初始化 Redis 连接
func Init(cfg *config.RedisConfig) error {
	c := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return fmt.Errorf("连接 Redis 失败: %w", err)
	}

	client = c
	return nil
}

// GetClient 获取 Redis 客户端实例，未初始化时返回 nil
func GetClient() *redis.Client {
	return client
}

// Ping 测试 Redis 连接
func Ping(ctx context.Context) error {
	if client == nil {
		return fmt.Errorf("Redis 未初始化")
	}
	return client.Ping(ctx).Err()
}

// Close 关闭 Redis 连接
func Close() error {
	if client == nil {
		return nil
	}
	err := client.Close()
	client = nil
	return err
}
