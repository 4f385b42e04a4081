package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/afalchetti/slidesync/config"
	"github.com/afalchetti/slidesync/handler"
	"github.com/afalchetti/slidesync/middleware"
	"github.com/afalchetti/slidesync/service"
	"github.com/afalchetti/slidesync/utils"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// drive 以固定节奏驱动处理循环直到完成
func drive(tick func(), interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			tick()
		}
	}
}

// serveStatus 启动状态查询服务
func serveStatus(cfg *config.Config, loop *service.SyncLoop) {
	gin.SetMode(cfg.Server.Mode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.CORS())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  "ok",
			"version": Version,
		})
	})

	r.GET("/version", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"version":    Version,
			"build_time": BuildTime,
			"git_commit": GitCommit,
		})
	})

	statusHandler := handler.NewStatusHandler(loop)

	api := r.Group("/api/v1")
	{
		api.GET("/progress", statusHandler.Progress)
		api.GET("/sync", statusHandler.Sync)
	}

	go func() {
		utils.Logger.Info("status server starting", zap.String("port", cfg.Server.Port))
		if err := r.Run(cfg.Server.Port); err != nil {
			utils.Logger.Error("status server stopped", zap.Error(err))
		}
	}()
}

func main() {
	footagePath := flag.String("footage", "", "Input recording of the presentation")
	slidesPath := flag.String("slides", "", "Input directory with rasterized presentation slides")
	syncPath := flag.String("sync", "", "Output synchronization file")
	outputPath := flag.String("output", "", "Output synchronized video file")
	configPath := flag.String("config", "config.yaml", "Configuration file")
	serve := flag.Bool("serve", false, "Expose the progress API while processing")
	flag.Parse()

	if *footagePath == "" || *slidesPath == "" || *syncPath == "" || *outputPath == "" {
		fmt.Fprintln(os.Stderr, "slidesync: --footage, --slides, --sync and --output are required")
		os.Exit(1)
	}

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		cfg = config.New()
	}

	// 初始化日志
	if err := utils.InitLogger(cfg.Server.Mode, cfg.Log.Level, cfg.Log.File); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer utils.Sync()

	utils.Logger.Info("starting slidesync",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
		zap.String("footage", *footagePath))

	// 打开录像
	footage, err := service.OpenFootage(*footagePath, cfg.Tracker.FrameSkip)
	if err != nil {
		utils.Logger.Error("failed to open footage", zap.Error(err))
		fmt.Fprintf(os.Stderr, "slidesync: %v\n", err)
		os.Exit(1)
	}
	defer footage.Close()

	// 中间结果目录
	intermediates := *footagePath + ".d"
	if err := os.MkdirAll(intermediates, 0755); err != nil {
		utils.Logger.Error("failed to create intermediates directory", zap.Error(err))
		fmt.Fprintf(os.Stderr, "slidesync: %v\n", err)
		os.Exit(1)
	}
	cachePath := filepath.Join(intermediates, "raw.sync")

	// 加载幻灯片
	slides, err := service.LoadSlides(*slidesPath, cfg.Slides.Extensions, footage.Width(), footage.Height())
	if err != nil {
		utils.Logger.Error("failed to load slides", zap.Error(err))
		fmt.Fprintf(os.Stderr, "slidesync: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		for i := range slides {
			slides[i].Close()
		}
	}()

	// 初始化Redis缓存
	syncCache := service.NewSyncCache(&cfg.Redis)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	if err := syncCache.Ping(ctx); err != nil {
		utils.Logger.Warn("redis connection failed, cache disabled", zap.Error(err))
		syncCache.Close()
		syncCache = nil
	} else {
		utils.Logger.Info("redis connected successfully")
		defer syncCache.Close()
	}
	cancel()

	cacheKey := ""
	if syncCache != nil {
		cacheKey, err = utils.FileMD5(*footagePath)
		if err != nil {
			utils.Logger.Warn("failed to hash footage", zap.Error(err))
		}
	}

	// 跟踪阶段
	engine := service.NewFeatureEngine(cfg.Tracker.MatchRatio, cfg.Tracker.RANSACThreshold)
	defer engine.Close()

	loop := service.NewSyncLoop(&cfg.Tracker, footage, slides, engine, cachePath, syncCache, cacheKey)
	defer loop.Close()

	trackingDone := make(chan struct{})
	loop.SetOnFinished(func() {
		close(trackingDone)
	})

	if *serve {
		serveStatus(cfg, loop)
	}

	interval := time.Duration(cfg.Tracker.TickInterval) * time.Millisecond

	start := time.Now()
	drive(loop.Tick, interval, trackingDone)

	if err := loop.Err(); err != nil {
		utils.Logger.Error("tracking failed", zap.Error(err))
		fmt.Fprintf(os.Stderr, "slidesync: %v\n", err)
		os.Exit(1)
	}

	instructions := loop.Instructions()

	utils.Logger.Info("tracking complete",
		zap.Int("instructions", instructions.Len()),
		zap.Duration("duration", time.Since(start)))

	// 同步文件输出
	if err := os.WriteFile(*syncPath, []byte(instructions.String()), 0644); err != nil {
		utils.Logger.Error("failed to write sync file", zap.Error(err))
		fmt.Fprintf(os.Stderr, "slidesync: %v\n", err)
		os.Exit(1)
	}

	// 生成阶段
	gen, err := service.NewGenLoop(slides, instructions, *outputPath, cfg.Encoder.Codec)
	if err != nil {
		utils.Logger.Error("failed to start video generation", zap.Error(err))
		fmt.Fprintf(os.Stderr, "slidesync: %v\n", err)
		os.Exit(1)
	}

	generationDone := make(chan struct{})
	gen.SetOnFinished(func() {
		close(generationDone)
	})

	start = time.Now()
	drive(gen.Tick, interval, generationDone)

	generr := gen.Err()

	if err := gen.Close(); err != nil && generr == nil {
		generr = err
	}

	if generr != nil {
		utils.Logger.Error("video generation failed", zap.Error(generr))
		fmt.Fprintf(os.Stderr, "slidesync: %v\n", generr)
		os.Exit(1)
	}

	utils.Logger.Info("video generated",
		zap.Uint("frames", gen.Frames()),
		zap.String("output", *outputPath),
		zap.Duration("duration", time.Since(start)))
}
