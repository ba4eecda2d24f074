package cli

import (
	"github.com/spf13/cobra"

	"github.com/BartekS5/totesys-etl/internal/config"
	"github.com/BartekS5/totesys-etl/pkg/logger"
)

// globals are resolved once per invocation by the root command.
type globals struct {
	cfg      *config.Config
	settings *config.PipelineSettings
}

func NewRootCmd() *cobra.Command {
	g := &globals{}
	var settingsPath string

	rootCmd := &cobra.Command{
		Use:   "totesys-etl",
		Short: "totesys-etl - incremental star-schema ETL for the totesys database",
		Long: `totesys-etl extracts changed rows from the totesys operational database,
transforms them into a sales star schema and publishes each run once it is verified.
The checkpoint only moves forward once a run's data is durable.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}
			if err := logger.Init(cfg.LogLevel, cfg.LogJSON); err != nil {
				return err
			}
			path := settingsPath
			if path == "" {
				path = cfg.PipelineConfigPath
			}
			settings, err := config.LoadPipelineSettings(path)
			if err != nil {
				return err
			}
			g.cfg, g.settings = cfg, settings
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&settingsPath, "config", "c", "", "Path to pipeline settings YAML (overrides PIPELINE_CONFIG)")

	rootCmd.AddCommand(
		newRunCmd(g),
		newScheduleCmd(g),
		newExtractCmd(g),
		newTransformCmd(g),
		newLoadCmd(g),
		newCheckpointCmd(g),
		newRunsCmd(g),
	)
	return rootCmd
}
