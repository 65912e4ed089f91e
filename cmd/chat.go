package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/suizoe-cosine/huaer/core/session"
)

var (
	chatGroup      string
	chatSender     string
	chatPrivileged bool
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to a context interactively",
	Long: `Read utterances from stdin and answer them in one context. Lines
starting with / are commands; /help lists them.

Examples:
  huaer chat --group 123456 --sender alice
  huaer chat --group private
  echo "hello" | huaer chat --group 123456`,
	Args: cobra.NoArgs,
	RunE: runChat,
}

func init() {
	rootCmd.AddCommand(chatCmd)

	chatCmd.Flags().StringVarP(&chatGroup, "group", "g", session.PrivateKey.String(), "Context key: a group id, public or private")
	chatCmd.Flags().StringVarP(&chatSender, "sender", "s", "", "Display name of the speaker")
	chatCmd.Flags().BoolVar(&chatPrivileged, "privileged", false, "Bypass cooldown and recall limits")
}

func runChat(cmd *cobra.Command, args []string) error {
	key, err := session.ParseKey(chatGroup)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return withApp(ctx, func(a *app) error {
		repl := &replSession{app: a, key: key, sender: chatSender, privileged: chatPrivileged}
		return runREPL(ctx, repl, cmd.InOrStdin(), cmd.OutOrStdout(), isTerminal(cmd.InOrStdin()))
	})
}

// runREPL answers lines from in until EOF, /quit or cancellation. The prompt
// is only drawn for interactive input.
func runREPL(ctx context.Context, repl *replSession, in io.Reader, out io.Writer, interactive bool) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	if interactive {
		fmt.Fprintf(out, "Context %s. Type /help for commands.\n", repl.key)
	}
	for {
		if interactive {
			fmt.Fprint(out, "> ")
		}
		if !scanner.Scan() {
			return scanner.Err()
		}
		reply, more := repl.handle(ctx, scanner.Text())
		if reply != "" {
			fmt.Fprintln(out, reply)
		}
		if !more || ctx.Err() != nil {
			return nil
		}
	}
}

func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
