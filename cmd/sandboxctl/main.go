package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"polyglot-sandbox/internal/app"
	"polyglot-sandbox/internal/config"
	"polyglot-sandbox/internal/executor"
	"polyglot-sandbox/internal/images"
	"polyglot-sandbox/internal/language"
	"polyglot-sandbox/pkg/seccomp"
)

var (
	configPath string
	serverURL  string
	apiKey     string
)

// exitError carries the sandboxed program's exit code out of a command.
type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func main() {
	root := &cobra.Command{
		Use:           "sandboxctl",
		Short:         "Operate the polyglot code execution sandbox",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default $"+config.EnvConfigPath+")")
	root.PersistentFlags().StringVar(&serverURL, "server", envOr("SANDBOX_SERVER", "http://127.0.0.1:8080"), "sandboxd admin API URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("SANDBOX_API_KEY"), "admin API key")

	root.AddCommand(
		newRunCmd(),
		newRunFileCmd(),
		newImagesCmd(),
		newSweepCmd(),
		newStatsCmd(),
		newActiveCmd(),
		newKillCmd(),
		newRecentCmd(),
		newHealthCmd(),
		newSeccompCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := root.ExecuteContext(ctx)
	stop()

	var exit exitError
	switch {
	case errors.As(err, &exit):
		os.Exit(exit.code)
	case err != nil:
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// openApp assembles an in-process sandbox without the history database.
func openApp(ctx context.Context) (*app.App, error) {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, err
	}
	if err := app.SetupLogging(cfg.Log, false); err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, app.Options{SkipDatabase: true})
}

func closeApp(a *app.App) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = a.Close(ctx)
}

type runFlags struct {
	language     string
	user         string
	timeout      time.Duration
	allowNetwork bool
	inputsFile   string
	memoryMB     int64
	cpuShares    int64
	pidsLimit    int64
}

func (f *runFlags) register(cmd *cobra.Command, defaultLang string) {
	cmd.Flags().StringVarP(&f.language, "language", "l", defaultLang, "language or alias")
	cmd.Flags().StringVarP(&f.user, "user", "u", envOr("USER", "cli"), "user id recorded with the execution")
	cmd.Flags().DurationVarP(&f.timeout, "timeout", "t", 0, "execution timeout (default: language default)")
	cmd.Flags().BoolVar(&f.allowNetwork, "allow-network", false, "request network access (honoured only where policy allows)")
	cmd.Flags().StringVar(&f.inputsFile, "inputs", "", "JSON object file exposed to the program as input.json")
	cmd.Flags().Int64Var(&f.memoryMB, "memory", 0, "memory limit in MB (can only tighten)")
	cmd.Flags().Int64Var(&f.cpuShares, "cpu-shares", 0, "CPU shares, 1024 = one CPU (can only tighten)")
	cmd.Flags().Int64Var(&f.pidsLimit, "pids", 0, "process limit (can only tighten)")
}

func (f *runFlags) request(code string) (executor.Request, error) {
	req := executor.Request{
		Code:         code,
		Language:     f.language,
		UserID:       f.user,
		Timeout:      f.timeout,
		AllowNetwork: f.allowNetwork,
		Limits:       language.Limits{MemoryMB: f.memoryMB, CPUShares: f.cpuShares, PidsLimit: f.pidsLimit},
	}
	if f.inputsFile != "" {
		data, err := os.ReadFile(f.inputsFile)
		if err != nil {
			return req, fmt.Errorf("reading inputs: %w", err)
		}
		if err := json.Unmarshal(data, &req.Inputs); err != nil {
			return req, fmt.Errorf("inputs must be a JSON object: %w", err)
		}
	}
	return req, nil
}

func execute(ctx context.Context, req executor.Request) error {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer closeApp(a)

	res := a.Orchestrator.Execute(ctx, req)
	if err := printJSON(res); err != nil {
		return err
	}
	if res.Success {
		return nil
	}
	if res.ExitCode != 0 {
		return exitError{code: res.ExitCode}
	}
	return exitError{code: 1}
}

func newRunCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run [code]",
		Short: "Execute code in a sandbox; reads stdin without an argument",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var code string
			if len(args) > 0 {
				code = args[0]
			} else {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("reading stdin: %w", err)
				}
				code = string(data)
			}
			req, err := f.request(code)
			if err != nil {
				return err
			}
			return execute(cmd.Context(), req)
		},
	}
	f.register(cmd, "python")
	return cmd
}

func newRunFileCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run-file <file>",
		Short: "Execute a source file in a sandbox",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading file: %w", err)
			}
			if f.language == "" {
				f.language, err = languageForFile(args[0])
				if err != nil {
					return err
				}
			}
			req, err := f.request(string(data))
			if err != nil {
				return err
			}
			return execute(cmd.Context(), req)
		},
	}
	f.register(cmd, "")
	return cmd
}

func languageForFile(path string) (string, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".py":
		return "python", nil
	case ".js", ".mjs", ".cjs":
		return "node", nil
	case ".sh", ".bash":
		return "bash", nil
	case ".sql":
		return "sql", nil
	default:
		return "", fmt.Errorf("cannot detect language for extension %q, use --language", ext)
	}
}

func newImagesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "images",
		Short: "Manage language images",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "build [language...]",
		Short: "Build language images; all enabled languages without arguments",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp(a)

			langs := args
			if len(langs) == 0 {
				langs = a.Registry.Languages()
			}
			for _, lang := range langs {
				h, err := a.Registry.Get(lang)
				if err != nil {
					return err
				}
				name := h.Profile().Language
				start := time.Now()
				if err := a.Provisioner.Build(cmd.Context(), name); err != nil {
					return err
				}
				ref, _ := a.Provisioner.Image(name)
				fmt.Fprintf(cmd.OutOrStdout(), "built %s (%s) in %s\n", ref, name, time.Since(start).Round(time.Millisecond))
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Show the image of every enabled language and whether it is present",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp(a)

			builder, ok := a.Runtime.(images.ImageBuilder)
			if !ok {
				return fmt.Errorf("runtime %s cannot inspect images", a.Runtime.Name())
			}
			type row struct {
				Language string `json:"language"`
				Image    string `json:"image"`
				Present  bool   `json:"present"`
			}
			var rows []row
			for _, lang := range a.Registry.Languages() {
				ref, err := a.Provisioner.Image(lang)
				if err != nil {
					return err
				}
				present, err := builder.ImageExists(cmd.Context(), ref)
				if err != nil {
					return err
				}
				rows = append(rows, row{Language: lang, Image: ref, Present: present})
			}
			return printJSON(rows)
		},
	})
	return cmd
}

func newSweepCmd() *cobra.Command {
	var retention time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove managed containers older than the retention window",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp(a)

			if retention <= 0 {
				retention = a.Config.Sandbox.Retention
			}
			report, err := a.Manager.Sweep(cmd.Context(), retention)
			if perr := printJSON(report); perr != nil {
				return perr
			}
			return err
		},
	}
	cmd.Flags().DurationVar(&retention, "retention", 0, "minimum container age (default: sandbox.retention)")
	return cmd
}

func newSeccompCmd() *cobra.Command {
	var network, list bool
	cmd := &cobra.Command{
		Use:   "seccomp <language>",
		Short: "Print the seccomp profile applied to a language's containers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lang := args[0]
			if h, err := language.NewRegistry().Get(lang); err == nil {
				lang = h.Profile().Language
			}
			p := seccomp.ForLanguage(lang, network)
			if list {
				for _, name := range seccomp.AllowedSyscalls(p) {
					fmt.Fprintln(cmd.OutOrStdout(), name)
				}
				return nil
			}
			data, err := seccomp.ProfileJSON(p)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return err
		},
	}
	cmd.Flags().BoolVar(&network, "network", false, "include the socket calls granted with network access")
	cmd.Flags().BoolVar(&list, "list", false, "print allowed syscall names only")
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
