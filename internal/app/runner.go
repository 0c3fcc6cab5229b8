package app

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ggonzalez94/payagent/internal/config"
	clierr "github.com/ggonzalez94/payagent/internal/errors"
	"github.com/ggonzalez94/payagent/internal/logging"
	"github.com/ggonzalez94/payagent/internal/model"
	"github.com/ggonzalez94/payagent/internal/out"
	"github.com/ggonzalez94/payagent/internal/router"
	"github.com/ggonzalez94/payagent/internal/version"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

type Runner struct {
	stdout io.Writer
	stderr io.Writer
	now    func() time.Time
}

func NewRunner() *Runner {
	return NewRunnerWithWriters(os.Stdout, os.Stderr)
}

func NewRunnerWithWriters(stdout, stderr io.Writer) *Runner {
	return &Runner{
		stdout: stdout,
		stderr: stderr,
		now:    time.Now,
	}
}

type runtimeState struct {
	runner      *Runner
	flags       config.GlobalFlags
	settings    config.Settings
	root        *cobra.Command
	log         *slog.Logger
	lastCommand string
	deps        *components
}

func (r *Runner) Run(args []string) int {
	state := &runtimeState{runner: r}
	root := state.newRootCommand()
	state.root = root
	root.SetArgs(args)
	root.SetOut(r.stdout)
	root.SetErr(r.stderr)
	root.SilenceUsage = true
	root.SilenceErrors = true

	err := root.Execute()
	err = normalizeRunError(err)
	state.close()
	if err == nil {
		return 0
	}

	state.renderError("", err)
	return clierr.ExitCode(err)
}

func (s *runtimeState) newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   version.CLIName,
		Short: "Payment routing agent for EVM chains",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			settings, err := config.Load(s.flags)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "load configuration", err)
			}
			s.settings = settings
			s.lastCommand = trimRootPath(cmd.CommandPath())
			s.log = logging.New(s.runner.stderr, settings.LogLevel, settings.LogFormat)
			return nil
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return clierr.Wrap(clierr.CodeUsage, "parse flags", err)
	})

	cmd.PersistentFlags().StringVar(&s.flags.ConfigPath, "config", "", "Path to config file")
	cmd.PersistentFlags().BoolVar(&s.flags.JSON, "json", false, "Output JSON (default)")
	cmd.PersistentFlags().BoolVar(&s.flags.Plain, "plain", false, "Output plain text")
	cmd.PersistentFlags().StringVar(&s.flags.Select, "select", "", "Select fields from data (comma-separated, dotted paths allowed)")
	cmd.PersistentFlags().BoolVar(&s.flags.ResultsOnly, "results-only", false, "Output only data payload")
	cmd.PersistentFlags().StringVar(&s.flags.Timeout, "timeout", "", "Upstream request timeout")
	cmd.PersistentFlags().IntVar(&s.flags.Retries, "retries", -1, "Retries per upstream request")
	cmd.PersistentFlags().StringVar(&s.flags.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")

	cmd.AddCommand(s.newServeCommand())
	cmd.AddCommand(s.newRoutesCommand())
	cmd.AddCommand(s.newExecuteCommand())
	cmd.AddCommand(s.newConsolidateCommand())
	cmd.AddCommand(s.newReceiptsCommand())
	cmd.AddCommand(s.newInvoicesCommand())
	cmd.AddCommand(s.newENSCommand())
	cmd.AddCommand(s.newProvidersCommand())
	cmd.AddCommand(s.newSchemaCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func newVersionCommand() *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print CLI version",
		Run: func(cmd *cobra.Command, args []string) {
			if long {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.Long())
				return
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.CLIVersion)
		},
	}
	cmd.Flags().BoolVar(&long, "long", false, "Print extended build metadata")
	return cmd
}

func (s *runtimeState) newRoutesCommand() *cobra.Command {
	var (
		userAddress string
		slippage    float64
	)
	cmd := &cobra.Command{
		Use:   "routes <message>",
		Short: "Parse a payment request and compare routes across providers",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := model.ChatRequest{Message: strings.Join(args, " "), UserAddress: userAddress}
			if cmd.Flags().Changed("slippage") {
				req.Slippage = &slippage
			}
			resp, err := s.components().agent.Chat(cmd.Context(), req, originFromSettings(s.settings))
			if err != nil {
				return err
			}
			var warnings []string
			if resp.Routes != nil && len(resp.Routes) == 0 {
				warnings = append(warnings, "no provider returned a route")
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), resp, warnings)
		},
	}
	cmd.Flags().StringVar(&userAddress, "user-address", "", "Sender wallet address")
	cmd.Flags().Float64Var(&slippage, "slippage", 0, "Slippage tolerance as a fraction (0.005 = 0.5%)")
	return cmd
}

func (s *runtimeState) newExecuteCommand() *cobra.Command {
	var (
		routeID    string
		from       string
		intentJSON string
		slippage   float64
	)
	cmd := &cobra.Command{
		Use:   "execute",
		Short: "Build the next unsigned transaction for a selected route",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := model.ExecuteRequest{RouteID: routeID, FromAddress: from}
			if strings.TrimSpace(intentJSON) != "" {
				var in model.Intent
				if err := json.Unmarshal([]byte(intentJSON), &in); err != nil {
					return clierr.Wrap(clierr.CodeUsage, "parse --intent-json", err)
				}
				req.Intent = &in
			}
			if cmd.Flags().Changed("slippage") {
				req.Slippage = &slippage
			}
			tx, err := s.components().builder.Build(cmd.Context(), req)
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), tx, nil)
		},
	}
	cmd.Flags().StringVar(&routeID, "route-id", "", "Route id returned by the routes command")
	cmd.Flags().StringVar(&from, "from", "", "Sender wallet address")
	cmd.Flags().StringVar(&intentJSON, "intent-json", "", "Intent object as JSON")
	cmd.Flags().Float64Var(&slippage, "slippage", 0, "Slippage tolerance as a fraction")
	return cmd
}

func (s *runtimeState) newConsolidateCommand() *cobra.Command {
	var req model.ConsolidateRequest
	cmd := &cobra.Command{
		Use:   "consolidate",
		Short: "Plan moving scattered balances into one token and chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := s.components().agent.Plan(cmd.Context(), req)
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), plan, nil)
		},
	}
	cmd.Flags().StringVar(&req.Address, "address", "", "Wallet address to scan")
	cmd.Flags().StringVar(&req.PreferredToken, "token", "", "Token to consolidate into (default USDC)")
	cmd.Flags().StringVar(&req.PreferredChain, "chain", "", "Chain to consolidate onto (default: the token's home chain)")
	return cmd
}

func (s *runtimeState) newProvidersCommand() *cobra.Command {
	root := &cobra.Command{Use: "providers", Short: "Provider commands"}
	list := &cobra.Command{
		Use:   "list",
		Short: "List route, price and paywall providers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), s.components().infos, nil)
		},
	}
	root.AddCommand(list)
	return root
}

func (s *runtimeState) emitSuccess(commandPath string, data any, warnings []string) error {
	env := model.Envelope{
		Version:  model.EnvelopeVersion,
		Success:  true,
		Data:     data,
		Error:    nil,
		Warnings: warnings,
		Meta: model.EnvelopeMeta{
			RequestID: uuid.NewString(),
			Timestamp: s.runner.now().UTC(),
			Command:   commandPath,
		},
	}
	return out.Render(s.runner.stdout, env, s.settings)
}

func (s *runtimeState) renderError(commandPath string, err error) {
	if strings.TrimSpace(commandPath) == "" {
		commandPath = s.lastCommand
		if commandPath == "" {
			commandPath = version.CLIName
		}
	}
	settings := s.settings
	if settings.OutputMode == "" {
		settings.OutputMode = "json"
	}
	settings.ResultsOnly = false
	settings.SelectFields = nil
	env := model.Envelope{
		Version: model.EnvelopeVersion,
		Success: false,
		Data:    []any{},
		Error: &model.ErrorBody{
			Code:    clierr.ExitCode(err),
			Type:    errorType(err),
			Message: err.Error(),
		},
		Meta: model.EnvelopeMeta{
			RequestID: uuid.NewString(),
			Timestamp: s.runner.now().UTC(),
			Command:   commandPath,
		},
	}
	_ = out.Render(s.runner.stderr, env, settings)
}

func errorType(err error) string {
	cErr, ok := clierr.As(err)
	if !ok {
		return "internal_error"
	}
	switch cErr.Code {
	case clierr.CodeUsage:
		return "usage_error"
	case clierr.CodeAuth:
		return "auth_error"
	case clierr.CodeRateLimited:
		return "rate_limited"
	case clierr.CodeUnavailable:
		return "provider_unavailable"
	case clierr.CodeUnsupported:
		return "unsupported"
	case clierr.CodeNotFound:
		return "not_found"
	case clierr.CodeActionPlan:
		return "action_plan_error"
	default:
		return "internal_error"
	}
}

func (s *runtimeState) close() {
	if s.deps != nil {
		s.deps.close()
	}
}

func trimRootPath(path string) string {
	parts := strings.Fields(path)
	if len(parts) <= 1 {
		return path
	}
	return strings.Join(parts[1:], " ")
}

func normalizeRunError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := clierr.As(err); ok {
		return err
	}
	if isLikelyUsageError(err) {
		return clierr.Wrap(clierr.CodeUsage, "invalid command input", err)
	}
	return clierr.Wrap(clierr.CodeInternal, "execute command", err)
}

func isLikelyUsageError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	patterns := []string{
		"unknown command",
		"unknown flag",
		"required flag(s)",
		"flag needs an argument",
		"requires at least",
		"requires exactly",
		"accepts ",
		"invalid argument",
		"invalid args",
	}
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// originFromSettings points relative paywall paths at the local API server.
func originFromSettings(settings config.Settings) router.Origin {
	host := settings.ListenAddr
	if strings.HasPrefix(host, ":") {
		host = "localhost" + host
	}
	return router.Origin{Host: host, Proto: "http"}
}
