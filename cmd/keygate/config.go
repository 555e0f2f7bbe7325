package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const redacted = "<redacted>"

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Load and validate the configuration, including environment overrides
and defaults, and print it as YAML with secrets redacted.`,
	RunE: runConfig,
}

func init() {
	rootCmd.AddCommand(configCmd)
}

func runConfig(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	cfg.Auth.TokenSecret = redacted
	for i := range cfg.Auth.PreviousTokenSecrets {
		cfg.Auth.PreviousTokenSecrets[i] = redacted
	}

	for i := range cfg.Auth.Users {
		cfg.Auth.Users[i].Password = redacted
	}

	if cfg.Database.Postgres.Password != "" {
		cfg.Database.Postgres.Password = redacted
	}

	if cfg.Login.Redis.Password != "" {
		cfg.Login.Redis.Password = redacted
	}

	if cfg.Export.S3.SecretAccessKey != "" {
		cfg.Export.S3.SecretAccessKey = redacted
	}

	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)

	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	return enc.Close()
}
