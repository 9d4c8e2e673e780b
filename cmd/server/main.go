// Package main 是应用程序的入口点。
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"teki-go/internal/config"
	"teki-go/internal/handler"
	"teki-go/internal/middleware"
	"teki-go/internal/pipeline"
	"teki-go/internal/repository"
	"teki-go/internal/service"
	"teki-go/pkg/agent"
	"teki-go/pkg/database"
	"teki-go/pkg/es"
	"teki-go/pkg/extract"
	"teki-go/pkg/kafka"
	"teki-go/pkg/log"
	"teki-go/pkg/storage"
	"teki-go/pkg/tika"
)

const shutdownTimeout = 5 * time.Second

func main() {
	// 1. 初始化配置
	config.Init("./configs/config.yaml")
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(log.Options{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		OutputPath: cfg.Log.OutputPath,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	// SIGINT/SIGTERM 取消 ctx，所有后台组件据此退出
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. 初始化存储与远程索引
	store, err := newStore(ctx, cfg.Storage, cfg.MinIO)
	if err != nil {
		log.Fatalf("存储初始化失败: %v", err)
	}
	solutionRepo := repository.NewSolutionRepository(cfg.Storage.MetadataFile)
	// 在 g.Wait() 之后关闭，此时派发器已经停止，在途任务的终态已写入
	defer func() {
		if err := solutionRepo.Close(); err != nil {
			log.Errorf("关闭元数据存储失败: %v", err)
		}
	}()

	esClient, err := es.NewClient(cfg.Elasticsearch)
	if err != nil {
		log.Fatalf("es 初始化失败: %v", err)
	}
	if err := esClient.EnsureIndex(ctx); err != nil {
		// 索引不可用时服务仍可启动，入库任务会把记录标记为 error
		log.Errorf("创建远程索引失败: %v", err)
	}

	// 4. 初始化文件处理管道 (Processor)
	tikaClient := tika.NewClient(cfg.Tika.ServerURL, nil)
	extractor := extract.NewExtractor(tikaClient, cfg.Pipeline.ExtractTimeout)
	processor := pipeline.NewProcessor(
		solutionRepo,
		extractor,
		esClient,
		store,
		pipeline.WithMaxChunkSize(cfg.Pipeline.MaxChunkSize),
		pipeline.WithOverlapSize(cfg.Pipeline.OverlapSize),
	)

	g, gCtx := errgroup.WithContext(ctx)

	// 5. 任务派发：进程内后台任务或 Kafka
	var (
		dispatcher      pipeline.Dispatcher
		shutdownTasks   func(context.Context) error
		closeDispatcher func() error
	)
	switch cfg.Pipeline.Dispatcher {
	case "kafka":
		producer := kafka.NewProducer(cfg.Kafka)
		dispatcher = producer
		closeDispatcher = producer.Close
		g.Go(func() error {
			return kafka.StartConsumer(gCtx, cfg.Kafka, processor)
		})
	default:
		// 进程内任务不会在重启后继续，上次退出时未完成的记录直接标记为 error
		if n, err := processor.RecoverInterrupted(ctx); err != nil {
			log.Errorf("恢复中断的记录失败: %v", err)
		} else if n > 0 {
			log.Warnf("已将 %d 条中断的记录标记为 error", n)
		}
		local := pipeline.NewLocalDispatcher(processor)
		dispatcher = local
		shutdownTasks = local.Shutdown
	}

	// 6. 可选的会话历史
	var conversationRepo repository.ConversationRepository
	if cfg.Redis.Addr != "" {
		rdb, err := database.NewRedis(ctx, cfg.Redis)
		if err != nil {
			log.Warnf("Redis 不可用，会话历史已禁用: %v", err)
		} else {
			defer closeRedis(rdb)
			conversationRepo = repository.NewConversationRepository(rdb)
		}
	}

	// 7. 初始化 Service 与 Handler (依赖注入)
	agentClient := agent.NewClient(cfg.Agent)
	if !agentClient.Configured() {
		log.Warnf("Agent 凭证未配置，/api/chat 将返回 500")
	}
	solutionService := service.NewSolutionService(solutionRepo, store, esClient, dispatcher)
	chatService := service.NewChatService(agentClient, conversationRepo)
	solutionHandler := handler.NewSolutionHandler(solutionService)
	chatHandler := handler.NewChatHandler(chatService)
	conversationHandler := handler.NewConversationHandler(service.NewConversationService(conversationRepo))

	// 8. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	r.Use(middleware.RequestLogger(), gin.Recovery(), middleware.Metrics(), newCORS(cfg.Server.AllowOrigins))
	r.MaxMultipartMemory = service.MaxUploadSize + 1<<20

	// 9. 注册路由
	api := r.Group("/api")
	{
		solucoes := api.Group("/solucoes")
		{
			solucoes.POST("", solutionHandler.Create)
			solucoes.GET("", solutionHandler.List)
			solucoes.GET("/:id", solutionHandler.Get)
			solucoes.DELETE("/:id", solutionHandler.Delete)
		}
		api.GET("/uploads/:filename", solutionHandler.Download)

		api.POST("/chat", chatHandler.Stream)
		api.GET("/chat/ws", chatHandler.Handle)
		api.GET("/chat/sessions/:sessionId", conversationHandler.GetConversation)
		api.DELETE("/chat/sessions/:sessionId", conversationHandler.ClearConversation)
	}
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	g.Go(func() error {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP 服务监听失败: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		log.Info("接收到停机信号，正在关闭服务...")

		// 设置一个5秒的超时上下文
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// 先停止接收新请求，再等待进行中的入库任务
		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("HTTP 服务器关闭失败: %w", err))
		}
		if shutdownTasks != nil {
			if err := shutdownTasks(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("等待后台任务失败: %w", err))
			}
		}
		if closeDispatcher != nil {
			if err := closeDispatcher(); err != nil {
				errs = append(errs, fmt.Errorf("关闭任务派发器失败: %w", err))
			}
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		log.Errorf("服务异常退出: %v", err)
		return
	}
	log.Info("服务已优雅关闭")
}

// newStore 根据 storage.backend 选择本地目录或 MinIO。
func newStore(ctx context.Context, storageCfg config.StorageConfig, minioCfg config.MinIOConfig) (storage.Store, error) {
	switch storageCfg.Backend {
	case "minio":
		return storage.NewMinIOStore(ctx, minioCfg)
	case "", "local":
		return storage.NewLocalStore(storageCfg.UploadsDir)
	default:
		return nil, fmt.Errorf("storage.backend desconhecido: %q", storageCfg.Backend)
	}
}

func newCORS(origins []string) gin.HandlerFunc {
	corsCfg := cors.DefaultConfig()
	if len(origins) == 0 {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = origins
	}
	corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "Authorization")
	return cors.New(corsCfg)
}

func closeRedis(rdb *redis.Client) {
	if err := rdb.Close(); err != nil {
		log.Errorf("关闭 Redis 连接失败: %v", err)
	}
}
