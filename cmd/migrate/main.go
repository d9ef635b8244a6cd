// Package main 票据表迁移工具
package main

import (
	"context"
	"flag"
	"log"

	"github.com/pu-ac-cn/uac-ticket/internal/codec"
	"github.com/pu-ac-cn/uac-ticket/internal/config"
	"github.com/pu-ac-cn/uac-ticket/internal/database"
	"github.com/pu-ac-cn/uac-ticket/internal/registry"
)

func main() {
	// 命令行参数
	configPath := flag.String("config", "", "配置文件路径")
	flag.Parse()

	// 加载配置
	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFromFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	// 初始化数据库连接
	if err := database.Init(&cfg.Database); err != nil {
		log.Fatalf("初始化数据库失败: %v", err)
	}
	defer database.Close()
	log.Println("数据库连接成功")

	// 迁移只涉及表结构，编解码器不参与
	c, err := codec.New(codec.Options{})
	if err != nil {
		log.Fatalf("初始化编解码器失败: %v", err)
	}
	defer c.Close()

	log.Println("开始执行数据库迁移...")
	if err := registry.NewGormStore(database.GetDB(), c, nil).Migrate(context.Background()); err != nil {
		log.Fatalf("迁移失败: %v", err)
	}

	log.Println("数据库迁移完成！")
	log.Printf("已创建/更新的表: %s (票据表)", registry.TicketRecord{}.TableName())
}
