package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/utopya-project/utopya/internal/config"
	"github.com/utopya-project/utopya/internal/registry"
	"github.com/utopya-project/utopya/internal/remote"
	"github.com/utopya-project/utopya/internal/run"
)

// exitError carries a specific process exit code through RunE.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit code %d", e.code)
}
func (e *exitError) Unwrap() error { return e.err }
func (e *exitError) ExitCode() int { return e.code }

func exitCodeOf(err error) int {
	var ec interface{ ExitCode() int }
	if errors.As(err, &ec) {
		return ec.ExitCode()
	}
	return 1
}

// Resolve the model registry
func openRegistry(cmd *cobra.Command) (*registry.Registry, error) {
	path, _ := cmd.Flags().GetString("registry")
	if path == "" {
		path = registry.DefaultPath()
	}
	return registry.Open(path)
}

// Perform a simulation run
func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run RUN_CFG",
		Short: "Perform a simulation run from a run configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0])
			if err != nil {
				return err
			}
			reg, err := openRegistry(cmd)
			if err != nil {
				return err
			}
			defer reg.Close()

			driver := run.NewDriver(cfg, log.Logger, reg)
			driver.HandleSignals = true
			if outDir, _ := cmd.Flags().GetString("out-dir"); outDir != "" {
				driver.OutDirOverride = outDir
			}

			res, runErr := driver.Execute(cmd.Context())
			if res.RunDir != "" {
				fmt.Printf("run directory: %s\n", res.RunDir)
			}
			if res.ExitCode == 0 {
				if runErr != nil {
					log.Warn().Err(runErr).Msg("run ended abnormally")
				}
				return nil
			}
			return &exitError{code: res.ExitCode, err: runErr}
		},
	}
	cmd.Flags().String("out-dir", "", "output directory (overrides the run config)")
	return cmd
}

// Manage the model registry
func newModelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "Manage the model registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newModelsRegisterCmd())
	cmd.AddCommand(newModelsLsCmd())
	cmd.AddCommand(newModelsRmCmd())
	cmd.AddCommand(newModelsInfoCmd())
	return cmd
}

func newModelsRegisterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "register NAME",
		Short: "Register a model executable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			exe, _ := cmd.Flags().GetString("executable")
			desc, _ := cmd.Flags().GetString("description")
			cfgPath, _ := cmd.Flags().GetString("default-cfg")
			overwrite, _ := cmd.Flags().GetBool("overwrite")

			m := registry.Model{Name: args[0], Executable: exe, Description: desc}
			if cfgPath != "" {
				raw, err := os.ReadFile(cfgPath)
				if err != nil {
					return fmt.Errorf("read default config: %w", err)
				}
				if err := yaml.Unmarshal(raw, &m.DefaultCfg); err != nil {
					return fmt.Errorf("parse default config: %w", err)
				}
			}
			reg, err := openRegistry(cmd)
			if err != nil {
				return err
			}
			defer reg.Close()
			if err := reg.Register(cmd.Context(), m, overwrite); err != nil {
				return err
			}
			fmt.Printf("registered model %s\n", m.Name)
			return nil
		},
	}
	cmd.Flags().String("executable", "", "path to the model executable")
	cmd.Flags().String("description", "", "model description")
	cmd.Flags().String("default-cfg", "", "YAML file with the model's default configuration")
	cmd.Flags().Bool("overwrite", false, "replace an existing entry")
	_ = cmd.MarkFlagRequired("executable")
	return cmd
}

func newModelsLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List registered models",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openRegistry(cmd)
			if err != nil {
				return err
			}
			defer reg.Close()
			models, err := reg.List(cmd.Context())
			if err != nil {
				return err
			}
			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"name", "executable", "registered"})
			table.SetBorder(false)
			for _, m := range models {
				table.Append([]string{
					m.Name, m.Executable,
					m.RegisteredAt.Local().Format("2006-01-02 15:04"),
				})
			}
			table.Render()
			return nil
		},
	}
}

func newModelsRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm NAME",
		Short: "Remove a model from the registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openRegistry(cmd)
			if err != nil {
				return err
			}
			defer reg.Close()
			if err := reg.Remove(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("removed model %s\n", args[0])
			return nil
		},
	}
}

func newModelsInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info NAME",
		Short: "Show a model's registry entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openRegistry(cmd)
			if err != nil {
				return err
			}
			defer reg.Close()
			m, err := reg.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("name:        %s\n", m.Name)
			fmt.Printf("executable:  %s\n", m.Executable)
			fmt.Printf("description: %s\n", m.Description)
			fmt.Printf("registered:  %s\n", m.RegisteredAt.Local().Format(time.RFC3339))
			if len(m.DefaultCfg) > 0 {
				raw, err := yaml.Marshal(m.DefaultCfg)
				if err != nil {
					return err
				}
				fmt.Printf("default_cfg:\n%s", raw)
			}
			return nil
		},
	}
}

// Collect run output from a remote machine
func newCollectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Collect a remote run directory via SFTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("host")
			user, _ := cmd.Flags().GetString("user")
			keyPath, _ := cmd.Flags().GetString("key")
			khPath, _ := cmd.Flags().GetString("known-hosts")
			remoteDir, _ := cmd.Flags().GetString("remote-dir")
			localDir, _ := cmd.Flags().GetString("into")

			if keyPath == "" {
				home, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				keyPath = filepath.Join(home, ".ssh", "id_ed25519")
			}
			if khPath == "" {
				home, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				khPath = filepath.Join(home, ".ssh", "known_hosts")
			}
			signer, err := remote.LoadSigner(keyPath)
			if err != nil {
				return err
			}
			kh, err := remote.KnownHostsCallback(khPath)
			if err != nil {
				return err
			}
			host := &remote.Host{
				Addr:       addr,
				User:       user,
				Signer:     signer,
				KnownHosts: kh,
				Timeout:    15 * time.Second,
				Retries:    2,
			}
			cli, err := remote.Dial(cmd.Context(), host)
			if err != nil {
				return err
			}
			defer cli.Close()

			n, err := remote.PullDir(cli, remoteDir, localDir)
			if err != nil {
				return err
			}
			fmt.Printf("collected %d file(s) into %s\n", n, localDir)
			return nil
		},
	}
	cmd.Flags().String("host", "", "remote address (host:port)")
	cmd.Flags().String("user", "", "remote user")
	cmd.Flags().String("key", "", "private key path (default ~/.ssh/id_ed25519)")
	cmd.Flags().String("known-hosts", "", "known_hosts path (default ~/.ssh/known_hosts)")
	cmd.Flags().String("remote-dir", "", "remote run directory to collect")
	cmd.Flags().String("into", ".", "local destination directory")
	_ = cmd.MarkFlagRequired("host")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("remote-dir")
	return cmd
}
