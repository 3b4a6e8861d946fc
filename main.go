package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/spf13/cobra"

	"scribe/config"
	"scribe/doctor"
	"scribe/log"
	"scribe/server"
)

var version = "dev"

// exitError carries a process exit status out of a command without
// printing anything more.
type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

type rootFlags struct {
	logPath string
	envFile string
}

func main() {
	cmd := newRootCmd()
	if err := cmd.Execute(); err != nil {
		if e, ok := err.(exitError); ok {
			os.Exit(e.code)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rf := &rootFlags{}
	rec := &recordFlags{}

	root := &cobra.Command{
		Use:           "scribe",
		Short:         "Record a patient visit and turn it into a reviewed clinical note",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRecord(cmd.Context(), rf, rec)
		},
	}
	root.PersistentFlags().StringVar(&rf.logPath, "logpath", "", "log directory (default: OS-specific location, use ./ for current dir)")
	root.PersistentFlags().StringVar(&rf.envFile, "env-file", ".env", "dotenv file to load settings from")
	rec.bind(root)

	recordCmd := &cobra.Command{
		Use:   "record",
		Short: "Record a visit in the terminal UI (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRecord(cmd.Context(), rf, rec)
		},
	}
	rec.bind(recordCmd)

	root.AddCommand(
		recordCmd,
		newNoteCmd(rf),
		newServeCmd(rf),
		newDevicesCmd(),
		newDoctorCmd(rf),
		newVersionCmd(),
	)
	return root
}

func loadConfig(rf *rootFlags) (*config.Config, error) {
	cfg, err := config.LoadFile(rf.envFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// setupLogging resolves the log directory, routes crashes there and opens
// the diagnostics log. Failures only cost diagnostics.
func setupLogging(rf *rootFlags) {
	dir, err := log.ResolveDir(rf.logPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to resolve log directory: %v\n", err)
		return
	}
	log.SetDir(dir)
	if err := log.EnsureDir(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not create log directory: %v\n", err)
		return
	}

	crashPath := filepath.Join(log.Dir(), "crash_log.txt")
	if f, err := os.OpenFile(crashPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644); err == nil {
		fmt.Fprintf(f, "\n=== Session %s [pid=%d] ===\n", time.Now().Format("2006-01-02 15:04:05"), os.Getpid())
		debug.SetCrashOutput(f, debug.CrashOptions{})
	}

	if err := log.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not init logging: %v\n", err)
	}
}

func newServeCmd(rf *rootFlags) *cobra.Command {
	var port string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the transcription and note backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(rf)
			if err != nil {
				return err
			}
			if port != "" {
				cfg.Port = port
			}
			setupLogging(rf)
			defer log.Close()
			return server.Run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&port, "port", "", "listen port (overrides PORT)")
	return cmd
}

func newDoctorCmd(rf *rootFlags) *cobra.Command {
	var device string
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check microphone, backend, provider keys and database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadFile(rf.envFile)
			if err != nil {
				return err
			}
			if code := doctor.Run(cfg, device); code != 0 {
				return exitError{code}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&device, "device", "", "microphone to test (name substring or id)")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "scribe %s\n", version)
		},
	}
}
