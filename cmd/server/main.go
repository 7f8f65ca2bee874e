package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata" // 确保在精简镜像中也能识别时区

	"github.com/gin-contrib/gzip"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/user/moviesearch/internal/catalog"
	"github.com/user/moviesearch/internal/config"
	"github.com/user/moviesearch/internal/handler"
	"github.com/user/moviesearch/internal/middleware"
	"github.com/user/moviesearch/internal/observability"
	"github.com/user/moviesearch/internal/repository"
	"github.com/user/moviesearch/internal/router"
	"github.com/user/moviesearch/internal/service"
	"github.com/user/moviesearch/internal/utils"
)

func main() {
	// 加载环境变量
	if err := godotenv.Load(); err != nil {
		log.Println("未找到 .env 文件，使用系统环境变量")
	}

	// 加载配置
	cfg, err := config.LoadFile(os.Getenv("MOVIESEARCH_CONFIG"))
	if err != nil {
		log.Fatalf("配置加载失败: %v", err)
	}

	// 链路追踪
	tp, err := observability.InitTracing(context.Background(), observability.TracingConfig{
		ServiceName:  "moviesearch",
		Environment:  cfg.Env,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SampleRate:   cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalf("链路追踪初始化失败: %v", err)
	}

	// 连接管理器
	managerCfg, err := service.ManagerConfigFromConfig(cfg)
	if err != nil {
		log.Fatalf("向量模型初始化失败: %v", err)
	}
	manager := service.NewConnectionManager(managerCfg)

	// 默认目录：连接失败不阻止启动，用户仍可在页面提交连接串
	if cfg.Catalog.URL != "" {
		connectDefault(cfg, manager)
	}

	// 定时检查向量索引
	monitor := service.NewIndexMonitor(manager, cfg.Catalog.IndexCheckInterval)
	monitor.Start()

	// 初始化缓存
	utils.InitCache()

	// 初始化 Gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.Default()

	// 启用 gzip，默认压缩级别
	r.Use(gzip.Gzip(gzip.DefaultCompression))

	// 设置 Session 中间件，会话里只保存连接 ID
	store := cookie.NewStore([]byte(cfg.AppSecret))
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   86400 * 7, // 7 天
		HttpOnly: true,
		Secure:   cfg.IsProduction(),
		SameSite: http.SameSiteLaxMode,
	})
	r.Use(sessions.Sessions("mysession", store))

	// 加载模板（使用 multitemplate 解决继承问题）
	r.HTMLRender = router.LoadTemplates("./web/templates")

	// 静态文件
	r.Static("/static", "./web/static")

	// 中间件
	r.Use(middleware.Logger())
	r.Use(middleware.Security())
	r.Use(middleware.CORS())

	// 初始化 Handler 并注册路由
	h := handler.NewHandler(cfg, manager)
	router.RegisterRoutes(r, h)

	srv := &http.Server{
		Addr:           ":" + cfg.Port,
		Handler:        r,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   2 * time.Minute, // 连接时会同步导入种子数据
		MaxHeaderBytes: 1 << 20,
	}

	// 在 goroutine 中启动服务器，这样我们就可以监听信号
	go func() {
		log.Printf("服务器启动于 http://localhost:%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("服务器启动失败: %v", err)
		}
	}()

	// 等待中断信号以优雅地关闭服务器
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("正在关闭服务器...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("服务器强制关闭: %v", err)
	}
	monitor.Stop()
	if err := manager.Close(); err != nil {
		log.Printf("关闭目录连接失败: %v", err)
	}
	if err := tp.Shutdown(ctx); err != nil {
		log.Printf("关闭链路追踪失败: %v", err)
	}

	log.Println("服务器已退出")
}

// connectDefault 连接配置中的默认目录，按需建索引并导入种子数据
func connectDefault(cfg *config.Config, manager *service.ConnectionManager) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	conn, err := manager.Connect(ctx, cfg.Catalog.URL)
	if err != nil {
		log.Printf("默认目录 %s 连接失败: %v", repository.Redact(cfg.Catalog.URL), err)
		return
	}
	if err := manager.SetDefault(conn.ID); err != nil {
		log.Printf("设置默认目录失败: %v", err)
		return
	}

	if im, ok := conn.Store.(catalog.IndexManager); ok {
		if err := im.EnsureIndex(ctx); err != nil {
			log.Printf("创建向量索引失败: %v", err)
		}
	}

	if !cfg.Ingest.OnStart {
		return
	}
	report, err := conn.Ingest.Ingest(ctx)
	if err != nil {
		log.Printf("启动导入未完全成功: %v", err)
		return
	}
	if report.Skipped {
		log.Printf("目录已有 %d 条记录，跳过导入 (%s)", report.Count, report.Reason)
		return
	}
	log.Printf("启动导入完成：写入 %d 条", report.Written)
}
