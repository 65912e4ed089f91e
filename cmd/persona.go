package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/suizoe-cosine/huaer/core/persona"
	"github.com/suizoe-cosine/huaer/core/session"
)

var (
	personaGroup  string
	personaPublic bool
)

var personaCmd = &cobra.Command{
	Use:   "persona",
	Short: "Manage saved personas of a context",
}

var personaListCmd = &cobra.Command{
	Use:   "list",
	Short: "List private and public persona records",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPersona(cmd, func(ctx context.Context, a *app, st *session.State) (string, error) {
			listing, err := a.groups.Personas().List(st)
			if err != nil {
				return "", err
			}
			return describeListing(listing), nil
		})
	},
}

var personaSaveCmd = &cobra.Command{
	Use:   "save <name>",
	Short: "Save the current persona and memory under a name",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPersona(cmd, func(ctx context.Context, a *app, st *session.State) (string, error) {
			if err := a.groups.Personas().Save(ctx, st, args[0], personaScope()); err != nil {
				return "", err
			}
			return fmt.Sprintf("Persona %s saved (%s).", args[0], personaScope()), nil
		})
	},
}

var personaLoadCmd = &cobra.Command{
	Use:   "load <name>",
	Short: "Load a saved persona with its memory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPersona(cmd, func(ctx context.Context, a *app, st *session.State) (string, error) {
			if err := a.groups.Personas().Load(ctx, st, args[0], personaScope()); err != nil {
				return "", err
			}
			return fmt.Sprintf("Persona %s loaded (%s).", args[0], personaScope()), nil
		})
	},
}

var personaSetCmd = &cobra.Command{
	Use:   "set <text>",
	Short: "Replace the persona text and clear memory",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPersona(cmd, func(ctx context.Context, a *app, st *session.State) (string, error) {
			if err := a.groups.Personas().Switch(ctx, st, strings.Join(args, " ")); err != nil {
				return "", err
			}
			return "Persona switched, memory cleared.", nil
		})
	},
}

func init() {
	rootCmd.AddCommand(personaCmd)
	personaCmd.AddCommand(personaListCmd, personaSaveCmd, personaLoadCmd, personaSetCmd)

	personaCmd.PersistentFlags().StringVarP(&personaGroup, "group", "g", session.PublicKey.String(), "Context key: a group id, public or private")
	personaCmd.PersistentFlags().BoolVar(&personaPublic, "public", false, "Use the shared public scope")
}

func personaScope() persona.Scope {
	if personaPublic {
		return persona.ScopePublic
	}
	return persona.ScopePrivate
}

// runPersona opens the context, runs fn and persists the context when fn
// succeeds.
func runPersona(cmd *cobra.Command, fn func(ctx context.Context, a *app, st *session.State) (string, error)) error {
	key, err := session.ParseKey(personaGroup)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	return withApp(ctx, func(a *app) error {
		st, err := a.groups.Get(ctx, key)
		if err != nil {
			return err
		}
		msg, err := fn(ctx, a, st)
		if err != nil {
			return fmt.Errorf("%s: %w", personaMessage(err, st), err)
		}
		printLines(cmd.OutOrStdout(), msg)
		return a.groups.Save(ctx, key)
	})
}
