package main

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"IntentArena/internal/config"
	"IntentArena/pkg/logger"
)

const configEnv = "INTENTARENA_CONFIG"

var defaultConfigPath = filepath.Join("configs", "intentarena.json")

type rootOptions struct {
	configPath string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "intentd",
		Short:         "IntentArena 意图撮合服务",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		"配置文件路径，默认读取 $"+configEnv+" 或 "+defaultConfigPath)

	cmd.AddCommand(newServeCommand(opts), newSimulateCommand(opts))
	return cmd
}

// load 按命令行参数、环境变量、默认路径的顺序查找配置。默认路径缺失时使用内置默认值。
func (o *rootOptions) load() (*config.Config, error) {
	path := strings.TrimSpace(o.configPath)
	if path == "" {
		path = strings.TrimSpace(os.Getenv(configEnv))
	}
	explicit := path != ""
	if !explicit {
		path = defaultConfigPath
	}

	var cfg *config.Config
	if _, err := os.Stat(path); !explicit && errors.Is(err, fs.ErrNotExist) {
		cfg = config.LoadDefault()
	} else {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return nil, err
	}
	return cfg, nil
}
