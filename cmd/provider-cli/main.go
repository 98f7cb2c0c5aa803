package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gnasses/Cisco-Provider-API/internal/app"
	"github.com/gnasses/Cisco-Provider-API/internal/config"
	"github.com/gnasses/Cisco-Provider-API/internal/gateway"
	"github.com/gnasses/Cisco-Provider-API/internal/parser"
	"github.com/gnasses/Cisco-Provider-API/internal/proxy"
	"github.com/gnasses/Cisco-Provider-API/pkg/models"
)

var (
	configFile string
	verbose    bool
	timeout    time.Duration
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "provider-cli",
		Short: "Cisco Provider command line interface",
		Long: `Cisco Provider CLI

Runs show commands against Cisco devices through the same credential
cascade, classification and parsing pipeline as the HTTP API.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Config file (default: search /etc/cisco-provider and ./configs)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose logging")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Minute, "Overall command timeout")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(classifyCmd())
	rootCmd.AddCommand(profilesCmd())
	rootCmd.AddCommand(parseCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, err
	}
	if verbose {
		cfg.Log.Level = "debug"
	} else if cfg.Log.Level == "info" {
		cfg.Log.Level = "warn"
	}
	cfg.Log.Encoding = "console"
	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func runCmd() *cobra.Command {
	var safe bool

	cmd := &cobra.Command{
		Use:   "run <device> <command...>",
		Short: "Run a command on a device",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()

			pipeline, err := app.BuildPipeline(cfg, nil, nil, logger)
			if err != nil {
				return err
			}

			req := gateway.Request{
				Host:    args[0],
				Command: strings.Join(args[1:], " "),
				Policy:  cfg.Policy.CommandPolicy(),
			}
			if safe {
				req.Policy = cfg.Policy.SafePolicy()
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			result, err := pipeline.Gateway.Run(ctx, req)
			pipeline.Gateway.Wait()
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), result)
		},
	}

	cmd.Flags().BoolVar(&safe, "safe", false, "Apply the safe-command allow-list")
	return cmd
}

func classifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "classify <device>",
		Short: "Detect the platform of a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()

			pipeline, err := app.BuildPipeline(cfg, nil, nil, logger)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			session, err := pipeline.Negotiator.Negotiate(ctx, args[0])
			if err != nil {
				return err
			}
			defer session.Close()

			platform, err := proxy.NewClassifier(logger).Classify(ctx, session)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", args[0], platform, session.Profile().Name)
			return nil
		},
	}
}

func profilesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "profiles",
		Short: "List the credential cascade in attempt order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			set, err := cfg.ProfileSet()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "#\tNAME\tSOURCE\tDIALECT\tPORT\tUSERNAME")
			for i, tpl := range set.Templates() {
				username := tpl.Username
				if tpl.Source == models.SecretSourceLookup {
					username = "(lookup)"
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\n", i+1, tpl.Name, tpl.Source, tpl.Dialect, tpl.Port, username)
			}
			return w.Flush()
		},
	}
}

func parseCmd() *cobra.Command {
	var (
		platform     string
		command      string
		templatesDir string
	)

	cmd := &cobra.Command{
		Use:   "parse [file]",
		Short: "Parse captured command output offline",
		Long:  "Parse captured output read from file (or stdin) with the built-in grammars.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader = cmd.InOrStdin()
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			raw, err := io.ReadAll(in)
			if err != nil {
				return err
			}

			catalog, err := app.NewCatalog(templatesDir)
			if err != nil {
				return err
			}

			p := models.Platform(platform)
			if p == "" {
				p = proxy.ClassifyOutput(string(raw))
			}
			result := parser.NewNormalizer(catalog, zap.NewNop()).Normalize(p, command, string(raw))
			return printResult(cmd.OutOrStdout(), &result)
		},
	}

	cmd.Flags().StringVarP(&platform, "platform", "p", "", "Platform (cisco_ios, cisco_nxos); detected from the output when empty")
	cmd.Flags().StringVar(&command, "command", "show version", "Command that produced the output")
	cmd.Flags().StringVar(&templatesDir, "templates", "", "Directory with extra templates")
	return cmd
}

func printResult(w io.Writer, result *models.CommandResult) error {
	if !result.IsStructured() {
		_, err := io.WriteString(w, result.Raw)
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(result.Records)
}
