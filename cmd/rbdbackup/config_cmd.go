package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/rbdbackup/internal/config"
)

var (
	configInitOutput string
	configInitForce  bool
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
		Long: `Manage rbdbackup configuration. Subcommands allow viewing, checking and
creating configuration files.`,
		Example: `  rbdbackup config show
  rbdbackup config validate --config /etc/rbdbackup/rbdbackup.yaml
  rbdbackup config init --output rbdbackup.yaml`,
	}

	cmd.AddCommand(
		newConfigShowCmd(),
		newConfigValidateCmd(),
		newConfigInitCmd(),
	)

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Display current configuration",
		Long: `Display the current configuration in YAML format, with defaults filled
in for everything the config file leaves out.`,
		Example: `  rbdbackup config show
  rbdbackup config show --config /etc/rbdbackup/rbdbackup.yaml`,
		RunE: configShowRun,
	}

	return cmd
}

func configShowRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	log.Info("showing configuration", "path", cfgPath)

	data, err := globalCfg.Marshal()
	if err != nil {
		return err
	}

	fmt.Println("Current Configuration:")
	fmt.Println("======================")
	fmt.Println(string(data))

	return nil
}

func newConfigValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration",
		Long: `Check field constraints, the retention policy, the snapshot name format,
cron expressions and the archive directory of every declared volume.`,
		Example: `  rbdbackup config validate
  rbdbackup config validate --config ./rbdbackup.yaml`,
		RunE: configValidateRun,
	}

	return cmd
}

func configValidateRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	if err := globalCfg.Validate(); err != nil {
		return err
	}

	fmt.Printf("Configuration is valid (%d volumes)\n", len(globalCfg.Volumes))
	for _, v := range globalCfg.Volumes {
		dir, _ := globalCfg.VolumeDir(v)
		fmt.Printf("  %-40s %s/%s -> %s\n", v.ID(), v.Pool, v.Image, dir)
	}
	return nil
}

func newConfigInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		Long: `Write the default configuration with an example volume to a file. An
existing file is only replaced with --force.`,
		Example: `  rbdbackup config init
  rbdbackup config init --output /etc/rbdbackup/rbdbackup.yaml --force`,
		RunE: configInitRun,
	}

	cmd.Flags().StringVarP(&configInitOutput, "output", "o", "rbdbackup.yaml", "file to write")
	cmd.Flags().BoolVar(&configInitForce, "force", false, "overwrite an existing file")

	return cmd
}

func configInitRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if _, err := os.Stat(configInitOutput); err == nil && !configInitForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", configInitOutput)
	}

	cfg := config.DefaultConfig()
	cfg.Volumes = []config.VolumeConfig{{
		Namespace: "databases",
		Workload:  "mysql",
		Name:      "data-mysql-0",
		Pool:      "replicapool",
		Image:     "csi-vol-00000000-0000-0000-0000-000000000000",
	}}
	if err := cfg.Save(configInitOutput); err != nil {
		return err
	}

	log.Info("configuration written", "path", configInitOutput)
	fmt.Printf("Wrote %s\n", configInitOutput)
	return nil
}
