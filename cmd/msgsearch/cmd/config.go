package cmd

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Aman-CERP/msgsearch/configs"
	"github.com/Aman-CERP/msgsearch/internal/config"
	"github.com/Aman-CERP/msgsearch/internal/output"
)

// projectConfigName is the file config init writes in the working directory.
const projectConfigName = "msgsearch.yaml"

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
		Long: `Inspect and create msgsearch configuration files.

Configuration precedence (lowest to highest):
  1. Hardcoded defaults
  2. User config (~/.config/msgsearch/config.yaml)
  3. Project config (msgsearch.yaml, or --config)
  4. Environment variables (MSGSEARCH_*)`,
		Example: `  # Show effective configuration
  msgsearch config show

  # Write a project config with the defaults
  msgsearch config init`,
	}

	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigPathCmd())

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	var (
		jsonOutput bool
		defaults   bool
		writePath  string
	)

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective configuration",
		Long: `Show the configuration after merging every source. Passwords in the
store DSN and channel URL are masked.

With --write the effective configuration is saved, unmasked, as a single
YAML file that can be passed to --config.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := runtimeCfg
			if defaults {
				cfg = config.NewConfig()
			}
			if writePath != "" {
				if err := cfg.WriteYAML(writePath); err != nil {
					return err
				}
				output.New(cmd.OutOrStdout(), false).Successf("Wrote effective configuration to %s", writePath)
				return nil
			}
			return runConfigShow(cmd, cfg, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.Flags().BoolVar(&defaults, "defaults", false, "Show the built-in defaults instead")
	cmd.Flags().StringVar(&writePath, "write", "", "Save the effective configuration to this file")

	return cmd
}

func runConfigShow(cmd *cobra.Command, cfg *config.Config, jsonOutput bool) error {
	shown := *cfg
	shown.Store.DSN = redactSecret(cfg.Store.DSN)
	shown.Channel.URL = redactSecret(cfg.Channel.URL)

	if jsonOutput {
		return output.New(cmd.OutOrStdout(), true).Value(shown)
	}
	data, err := yaml.Marshal(&shown)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

var dsnPasswordRe = regexp.MustCompile(`(password=)\S+`)

// redactSecret masks the password of a URL or key=value connection string.
func redactSecret(s string) string {
	if s == "" {
		return s
	}
	if u, err := url.Parse(s); err == nil && u.User != nil {
		return u.Redacted()
	}
	return dsnPasswordRe.ReplaceAllString(s, "${1}xxxxx")
}

func newConfigInitCmd() *cobra.Command {
	var (
		force bool
		user  bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a commented configuration template",
		Long: `Write a commented template of every setting, at its default, to
msgsearch.yaml in the working directory, or to the user config file with
--user.

An existing file is left alone unless --force is given, in which case it is
backed up first.`,
		Example: `  msgsearch config init
  msgsearch config init --user --force`,
		Annotations: map[string]string{skipConfigAnnotation: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := projectConfigName
			if user {
				path = config.GetUserConfigPath()
			} else if cwd, err := os.Getwd(); err == nil {
				path = filepath.Join(cwd, projectConfigName)
			}
			return runConfigInit(cmd, path, force)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file after backing it up")
	cmd.Flags().BoolVar(&user, "user", false, "Write the user config instead of the project config")

	return cmd
}

func runConfigInit(cmd *cobra.Command, path string, force bool) error {
	out := output.New(cmd.OutOrStdout(), false)

	if _, err := os.Stat(path); err == nil {
		if !force {
			out.Warningf("Configuration already exists: %s", path)
			out.Status("💡", "Use --force to overwrite it (a backup is kept)")
			return nil
		}
		backup, err := config.BackupFile(path)
		if err != nil {
			return err
		}
		out.Statusf("💾", "Backup: %s", backup)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(configs.ConfigTemplate), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	out.Successf("Wrote configuration to %s", path)
	out.Status("💡", "Run 'msgsearch config show' to verify")
	return nil
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "path",
		Short:       "Print the user config file path",
		Annotations: map[string]string{skipConfigAnnotation: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), config.GetUserConfigPath())
			return err
		},
	}
}

