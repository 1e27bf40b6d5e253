package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zhukovaskychina/xstorage-engine/conf"
	"github.com/zhukovaskychina/xstorage-engine/logger"
	"github.com/zhukovaskychina/xstorage-engine/manager"
)

const help = `
******************************************************************************************
 __  _____ _____ ___  ____      _    ____ _____   _____ _   _  ____ ___ _   _ _____
 \ \/ / __|_   _/ _ \|  _ \    / \  / ___| ____| | ____| \ | |/ ___|_ _| \ | | ____|
  \  /\__ \ | || | | | |_) |  / _ \| |  _|  _|   |  _| |  \| | |  _ | ||  \| |  _|
  /  \ ___) || || |_| |  _ <  / ___ \ |_| | |___  | |___| |\  | |_| || || |\  | |___
 /_/\_\____/ |_| \___/|_| \_\/_/   \_\____|_____| |_____|_| \_|\____|___|_| \_|_____|

******************************************************************************************
*帮助:
*1. -- help
*2. -- configPath   指定my.ini配置文件
*3. -- dataDir      指定数据目录（无配置文件时）
******************************************************************************************
`

func main() {
	fmt.Print(help)

	var configPath string
	var dataDir string
	flag.StringVar(&configPath, "configPath", "", "配置文件路径")
	flag.StringVar(&dataDir, "dataDir", "data", "数据目录")
	flag.Parse()

	cfg := conf.NewCfg()
	if configPath != "" {
		if _, err := cfg.Load(configPath); err != nil {
			fmt.Printf("加载配置文件失败: %v\n", err)
			os.Exit(1)
		}
	} else {
		cfg.ResolvePaths(dataDir)
	}

	if err := logger.InitLogger(logger.LogConfig{LogPath: cfg.LogPath, LogLevel: cfg.LogLevel}); err != nil {
		fmt.Printf("初始化日志失败: %v\n", err)
		os.Exit(1)
	}

	engine, err := manager.NewStorageEngine(cfg)
	if err != nil {
		logger.Fatalf("存储引擎启动失败: %v", err)
	}
	logger.Infof("存储引擎已启动, data_dir=%s redo_log_dir=%s", cfg.DataDir, cfg.RedoLogDir)

	// 周期性检查点，收敛恢复时间
	stopCheckpoint := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := engine.Checkpoint(); err != nil {
					logger.Errorf("周期检查点失败: %v", err)
					return
				}
			case <-stopCheckpoint:
				return
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Infof("收到信号 %v, 开始关闭", sig)

	close(stopCheckpoint)
	if err := engine.Close(); err != nil {
		logger.Errorf("关闭存储引擎出错: %v", err)
		os.Exit(1)
	}
	logger.Info("存储引擎已关闭")
}
