package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/hertz-contrib/keyauth"
	hertzadapter "github.com/hertz-contrib/logger/zerolog"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"
	"github.com/spf13/pflag"

	"email-intake-go/internal/config"
	"email-intake-go/internal/handler"
	"email-intake-go/internal/intake"
	"email-intake-go/internal/llm"
	"email-intake-go/internal/logger"
	"email-intake-go/internal/parser"
	"email-intake-go/internal/storage"
	"email-intake-go/internal/tracing"
)

func main() {
	var configPath string
	pflag.StringVarP(&configPath, "config", "c", "config.yaml", "Path to config file")
	pflag.Parse()

	// 1. 加载配置（任何必填项缺失都在这里失败，而不是等到第一次调用）
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("加载配置失败")
	}

	// 2. 初始化日志系统，并把hertz的日志也路由到zerolog
	logger.Init(logger.Config{
		Level:        cfg.Logger.Level,
		Format:       cfg.Logger.Format,
		TimeFormat:   cfg.Logger.TimeFormat,
		ReportCaller: cfg.Logger.ReportCaller,
	})
	hlog.SetLogger(hertzadapter.From(logger.Logger))
	logger.Info().Msg("配置加载成功")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. 初始化追踪导出
	shutdownTracing, err := tracing.InitProvider(ctx, &cfg.Tracing)
	if err != nil {
		logger.Fatal().Err(err).Msg("初始化追踪失败")
	}

	// 4. 初始化存储管理器
	storageManager, err := storage.NewStorage(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("初始化存储管理器失败")
	}
	defer storageManager.Close()

	// 5. 初始化推理客户端与PDF提取器
	completer, err := llm.NewQwenClient(&cfg.LLM)
	if err != nil {
		logger.Fatal().Err(err).Msg("初始化推理客户端失败")
	}

	pdfExtractor, err := parser.NewEinoPDFTextExtractor(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("初始化PDF提取器失败")
	}

	// 6. 组装摄取管道
	var seen intake.SeenRegistry
	if storageManager.Redis != nil {
		seen = storageManager.Redis
	}
	pipeline, err := intake.NewPipeline(
		intake.Components{
			Completer: completer,
			Extractor: pdfExtractor,
			Archive:   storageManager.MinIO,
			Analyses:  storageManager.MySQL,
			Seen:      seen,
		},
		intake.Settings{},
		intake.WithDedupRedeliveries(cfg.Intake.DedupRedeliveries),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("组装摄取管道失败")
	}
	logger.Info().Bool("dedup_redeliveries", cfg.Intake.DedupRedeliveries).Msg("摄取管道初始化成功")

	intakeHandler := handler.NewIntakeHandler(cfg, storageManager, pipeline)

	// 7. 启动入站邮件消费者
	stopConsumer, err := intakeHandler.StartInboundConsumer(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("启动入站邮件消费者失败")
	}

	// 8. 创建HTTP服务器
	tracer, tracerCfg := hertztracing.NewServerTracer()
	h := server.Default(
		server.WithHostPorts(cfg.Server.Address),
		tracer,
	)
	h.Use(hertztracing.ServerMiddleware(tracerCfg))

	api := h.Group("/api/v1")
	api.GET("/health", intakeHandler.HandleHealth)

	intakeGroup := api.Group("/intake")
	if cfg.Server.APIKey != "" {
		intakeGroup.Use(keyauth.New(
			keyauth.WithKeyLookUp("header:Authorization", "Bearer"),
			keyauth.WithValidator(func(c context.Context, ctx *app.RequestContext, key string) (bool, error) {
				return key == cfg.Server.APIKey, nil
			}),
			keyauth.WithErrorHandler(func(c context.Context, ctx *app.RequestContext, err error) {
				ctx.JSON(consts.StatusUnauthorized, utils.H{"error": "无效的API密钥"})
				ctx.Abort()
			}),
		))
	}
	intakeGroup.POST("", intakeHandler.HandleIntake)
	intakeGroup.POST("/enqueue", intakeHandler.HandleEnqueue)
	intakeGroup.GET("/status", intakeHandler.HandleStatus)
	intakeGroup.GET("/archive", intakeHandler.HandleArchiveFetch)

	go func() {
		if err := h.Run(); err != nil {
			logger.Fatal().Err(err).Msg("启动HTTP服务器失败")
		}
	}()
	logger.Info().Str("address", cfg.Server.Address).Msg("HTTP服务器已启动")

	// 9. 等待终止信号后优雅退出
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("接收到终止信号，正在优雅退出...")

	stopConsumer()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("关闭追踪导出失败")
	}
	_ = h.Shutdown(shutdownCtx)
}
