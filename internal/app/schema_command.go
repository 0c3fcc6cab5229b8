package app

import (
	"sort"
	"strings"

	clierr "github.com/ggonzalez94/payagent/internal/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// commandSchema describes a command for callers that drive the CLI
// programmatically.
type commandSchema struct {
	Path        string          `json:"path"`
	Use         string          `json:"use"`
	Short       string          `json:"short"`
	Flags       []flagSchema    `json:"flags,omitempty"`
	Subcommands []commandSchema `json:"subcommands,omitempty"`
}

type flagSchema struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	Usage     string `json:"usage"`
	Default   string `json:"default,omitempty"`
	Inherited bool   `json:"inherited,omitempty"`
}

func (s *runtimeState) newSchemaCommand() *cobra.Command {
	var inherited bool
	cmd := &cobra.Command{
		Use:   "schema [command path]",
		Short: "Print machine-readable command schema",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := findCommand(s.root, args)
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), describe(target, inherited), nil)
		},
	}
	cmd.Flags().BoolVar(&inherited, "inherited", false, "Include persistent flags inherited from parents")
	return cmd
}

func findCommand(root *cobra.Command, path []string) (*cobra.Command, error) {
	cmd := root
	for _, name := range path {
		var next *cobra.Command
		for _, c := range cmd.Commands() {
			if c.Name() == name {
				next = c
				break
			}
		}
		if next == nil {
			return nil, clierr.New(clierr.CodeUsage, "command not found: "+strings.Join(path, " "))
		}
		cmd = next
	}
	return cmd, nil
}

func describe(cmd *cobra.Command, inherited bool) commandSchema {
	out := commandSchema{
		Path:  strings.TrimSpace(cmd.CommandPath()),
		Use:   cmd.Use,
		Short: cmd.Short,
	}
	cmd.NonInheritedFlags().VisitAll(func(f *pflag.Flag) {
		out.Flags = append(out.Flags, toFlagSchema(f, false))
	})
	if inherited {
		cmd.InheritedFlags().VisitAll(func(f *pflag.Flag) {
			out.Flags = append(out.Flags, toFlagSchema(f, true))
		})
	}
	sort.SliceStable(out.Flags, func(i, j int) bool { return out.Flags[i].Name < out.Flags[j].Name })
	for _, sub := range cmd.Commands() {
		if sub.Hidden || sub.Name() == "help" || sub.Name() == "completion" {
			continue
		}
		out.Subcommands = append(out.Subcommands, describe(sub, inherited))
	}
	return out
}

func toFlagSchema(f *pflag.Flag, inherited bool) flagSchema {
	return flagSchema{
		Name:      f.Name,
		Type:      f.Value.Type(),
		Usage:     f.Usage,
		Default:   f.DefValue,
		Inherited: inherited,
	}
}
