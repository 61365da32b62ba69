package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Aman-CERP/imgsift/internal/config"
	"github.com/Aman-CERP/imgsift/internal/output"
)

func newConfigCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
		Long: `Show the effective configuration or create the user configuration file.

Configuration precedence (lowest to highest):
  1. Hardcoded defaults
  2. User config (~/.config/imgsift/config.yaml)
  3. Project config (./imgsift.yaml)
  4. Environment variables (IMGSIFT_*)`,
		Example: `  # Show effective configuration
  imgsift config show

  # Create user config with defaults
  imgsift config init`,
	}

	cmd.AddCommand(newConfigShowCmd(g))
	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigPathCmd())

	return cmd
}

func newConfigShowCmd(g *globals) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := g.cfg
			if cfg == nil {
				cfg = config.NewConfig()
			}
			if jsonOutput {
				return output.New(cmd.OutOrStdout()).JSON(cfg)
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to marshal config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create user configuration file",
		Long: `Write the default configuration to ~/.config/imgsift/config.yaml
(or $XDG_CONFIG_HOME/imgsift/config.yaml if XDG_CONFIG_HOME is set).`,
		Example: `  imgsift config init
  imgsift config init --force`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := output.New(cmd.OutOrStdout())
			path := config.GetUserConfigPath()

			if _, err := os.Stat(path); err == nil && !force {
				out.Warningf("Config already exists: %s", path)
				out.Status("💡", "Use --force to overwrite")
				return nil
			}
			if err := config.NewConfig().WriteYAML(path); err != nil {
				return err
			}
			out.Successf("Created %s", path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite existing configuration")
	return cmd
}

func newConfigPathCmd() *cobra.Command {
	var dataDir bool

	cmd := &cobra.Command{
		Use:   "path",
		Short: "Print user configuration file path",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p := config.GetUserConfigPath()
			if dataDir {
				p = config.DataDir()
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), p)
			return err
		},
	}

	cmd.Flags().BoolVar(&dataDir, "data-dir", false, "Print the data directory instead (database, objects, indexes)")
	return cmd
}
