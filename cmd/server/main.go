package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/cmlconsolepro/cmlconsolepro/api/router"
	"github.com/cmlconsolepro/cmlconsolepro/internal/config"
	"github.com/cmlconsolepro/cmlconsolepro/internal/database"
	"github.com/cmlconsolepro/cmlconsolepro/internal/service"
	"github.com/cmlconsolepro/cmlconsolepro/pkg/logger"
	"github.com/cmlconsolepro/cmlconsolepro/simulate"
)

func main() {
	// 加载配置
	cfg, err := config.Load("configs/config.yaml")
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	if err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		FilePath:   cfg.Log.FilePath,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	}); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	logger.Info("Starting CML Console Pro Server, version 1.0.0")
	logger.Infof("Console sessions limited to %d concurrent", cfg.Collector.Concurrent)

	// 初始化数据库
	if err := database.InitSQLite(cfg.Database.SQLite); err != nil {
		logger.Fatal("Failed to initialize database: ", err)
	}
	defer database.Close()

	// 创建控制台任务服务
	consoleService := service.NewConsoleService(cfg)
	ctx := context.Background()
	if err := consoleService.Start(ctx); err != nil {
		logger.Fatal("Failed to start console service: ", err)
	}
	defer consoleService.Stop()

	// 启动控制台模拟服务（可选，用于无真实 CML 的联调）
	var simMgr *simulate.Manager
	if cfg.Server.SimulateEnable {
		simPath := "simulate/simulate.yaml"
		if _, err := os.Stat(simPath); err != nil {
			logger.Warnf("Simulate: simulate.yaml missing, skip: %v", err)
		} else if sc, err := simulate.LoadConfig(simPath); err != nil {
			logger.Warnf("Simulate: failed to load simulate.yaml: %v", err)
		} else if mgr, err := simulate.Start(sc, "simulate"); err != nil {
			logger.Warnf("Simulate: failed to start: %v", err)
		} else {
			simMgr = mgr
			logger.Infof("Simulate: console server on port %d with %d consoles", sc.Server.Port, len(sc.Console))
		}
	}
	defer func() {
		if simMgr != nil {
			simMgr.Stop()
		}
	}()

	// 设置路由
	r := router.SetupRouter(consoleService)

	server := &http.Server{
		Addr:           fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:        r,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxHeaderBytes: 1 << 20, // 1MB
	}

	go func() {
		logger.Infof("Server starting on port %d, mode %s", cfg.Server.Port, cfg.Server.Mode)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server: ", err)
		}
	}()

	// 配置文件监听与热更新
	go func() {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			logger.Warnf("Config watch init failed: %v", err)
			return
		}
		defer watcher.Close()
		path := "configs/config.yaml"
		if err := watcher.Add(path); err != nil {
			logger.Warnf("Config watch add failed: %v", err)
			return
		}
		var debounce *time.Timer
		trigger := func() {
			newCfg, err := config.Load(path)
			if err != nil {
				logger.Warnf("Config reload failed: %v", err)
				return
			}
			// 原地覆盖，保持指针不变
			*cfg = *newCfg
			_ = logger.Init(logger.Config{
				Level:      cfg.Log.Level,
				Format:     cfg.Log.Format,
				Output:     cfg.Log.Output,
				FilePath:   cfg.Log.FilePath,
				MaxSize:    cfg.Log.MaxSize,
				MaxBackups: cfg.Log.MaxBackups,
				MaxAge:     cfg.Log.MaxAge,
				Compress:   cfg.Log.Compress,
			})
			logger.Info("Config reloaded")

			// 模拟开关变化时动态启停
			if cfg.Server.SimulateEnable && simMgr == nil {
				if sc, err := simulate.LoadConfig("simulate/simulate.yaml"); err != nil {
					logger.Warnf("Simulate: reload config failed: %v", err)
				} else if mgr, err := simulate.Start(sc, "simulate"); err != nil {
					logger.Warnf("Simulate: start failed on reload: %v", err)
				} else {
					simMgr = mgr
					logger.Info("Simulate: started by config reload")
				}
			} else if !cfg.Server.SimulateEnable && simMgr != nil {
				simMgr.Stop()
				simMgr = nil
				logger.Info("Simulate: stopped by config reload")
			}
		}
		for {
			select {
			case ev := <-watcher.Events:
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					if debounce != nil {
						debounce.Stop()
					}
					debounce = time.AfterFunc(300*time.Millisecond, trigger)
				}
			case err := <-watcher.Errors:
				logger.Warnf("Config watch error: %v", err)
			}
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Server shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown: ", err)
	} else {
		logger.Info("Server shutdown complete")
	}
}
