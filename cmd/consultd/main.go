// consultd менеджер сеансов телемедицинских консультаций.
//
//	consultd simulate   прогон консультаций на симулированном транспорте
//	consultd serve      HTTP API и /metrics поверх менеджера сеансов
//	consultd config     вывод эффективной конфигурации
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/arzzra/televisit/internal/config"
	"github.com/arzzra/televisit/internal/logging"
)

type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

// load читает конфигурацию и создает логгер с учетом флагов
func (o *rootOptions) load() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Log.Format = o.logFormat
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, logger, nil
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "consultd",
		Short:         "Менеджер сеансов телемедицинских консультаций",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "путь к YAML конфигурации")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "уровень логирования (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "формат логов (json, console)")

	root.AddCommand(simulateCmd(opts))
	root.AddCommand(serveCmd(opts))
	root.AddCommand(configCmd(opts))
	return root
}

func configCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Вывести эффективную конфигурацию",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := opts.load()
			if err != nil {
				return err
			}
			out, err := cfg.YAML()
			if err != nil {
				return fmt.Errorf("сериализация конфигурации: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "consultd:", err)
		os.Exit(1)
	}
}
