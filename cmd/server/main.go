package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pu-ac-cn/uac-ticket/internal/bootstrap"
	"github.com/pu-ac-cn/uac-ticket/internal/config"
	"github.com/pu-ac-cn/uac-ticket/internal/handler"
	"github.com/pu-ac-cn/uac-ticket/internal/logger"
	"github.com/pu-ac-cn/uac-ticket/internal/middleware"
	"github.com/pu-ac-cn/uac-ticket/pkg/response"
)

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	zlog, err := logger.New(&cfg.Log)
	if err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	defer zlog.Sync()

	// 组装票据注册表、清理器与服务
	app, err := bootstrap.Build(context.Background(), cfg, zlog)
	if err != nil {
		zlog.Fatal("初始化票据注册表失败", zap.Error(err))
	}
	defer app.Close()

	// 后台清理过期票据
	cleanerCtx, stopCleaner := context.WithCancel(context.Background())
	cleanerDone := make(chan struct{})
	go func() {
		defer close(cleanerDone)
		app.RunCleaner(cleanerCtx)
	}()

	// 设置 Gin 模式
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	// 创建路由
	router := gin.New()

	// 全局中间件
	router.Use(middleware.Logger(zlog.Named("http")))
	router.Use(middleware.Recovery(zlog))

	// 健康检查
	router.GET("/health", func(c *gin.Context) {
		data := gin.H{
			"status": "ok",
			"time":   time.Now().Format(time.RFC3339),
		}
		for k, v := range app.Ping(c.Request.Context()) {
			data[k] = v
		}
		response.Success(c, data)
	})

	// 管理接口
	if app.AdminTokens != nil {
		ticketHandler := handler.NewTicketHandler(app.Registry, app.Catalog, app.Cleaner, zlog.Named("admin"))
		api := router.Group("/api/v1")
		api.Use(middleware.AdminAuth(app.AdminTokens))
		ticketHandler.RegisterRoutes(api)
	} else {
		zlog.Warn("未配置 admin.jwt_secret，管理接口不开放")
	}

	// 创建 HTTP 服务器
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// 启动服务器
	go func() {
		zlog.Info("服务启动", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal("服务启动失败", zap.Error(err))
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zlog.Info("正在关闭服务...")

	// 优雅关闭，等待 5 秒
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		zlog.Error("服务关闭失败", zap.Error(err))
	}

	stopCleaner()
	select {
	case <-cleanerDone:
	case <-ctx.Done():
		zlog.Warn("等待清理任务退出超时")
	}

	zlog.Info("服务已关闭")
}
