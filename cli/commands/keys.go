package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func newKeysCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage stored API keys",
	}
	cmd.AddCommand(
		newKeysSetCmd(app),
		newKeysListCmd(app),
		newKeysDeleteCmd(app),
	)
	return cmd
}

func newKeysSetCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "set <backend>",
		Short: "Store an API key for a backend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]

			key, err := app.readSecret(fmt.Sprintf("API key for %s: ", name))
			if err != nil {
				return err
			}
			if key == "" {
				return &exitError{code: ExitValidation, err: fmt.Errorf("empty key")}
			}

			ks, err := app.newKeystore()
			if err != nil {
				return err
			}
			if err := ks.Set(name, key); err != nil {
				return err
			}
			fmt.Fprintf(app.out, "stored key for %s\n", name)
			return nil
		},
	}
}

func newKeysListCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List backends with stored keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ks, err := app.newKeystore()
			if err != nil {
				return err
			}
			names, err := ks.List()
			if err != nil {
				return err
			}
			if len(names) == 0 {
				fmt.Fprintln(app.out, "no keys stored")
				return nil
			}
			for _, name := range names {
				fmt.Fprintln(app.out, name)
			}
			return nil
		},
	}
}

func newKeysDeleteCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <backend>",
		Short: "Remove a stored API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ks, err := app.newKeystore()
			if err != nil {
				return err
			}
			if err := ks.Delete(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(app.out, "deleted key for %s\n", args[0])
			return nil
		},
	}
}

// readSecret prompts for a secret without echo on a terminal, falling
// back to a line read for piped input.
func (a *App) readSecret(prompt string) (string, error) {
	if f, ok := a.in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(a.errOut, prompt)
		raw, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(a.errOut)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(raw)), nil
	}

	scanner := bufio.NewScanner(a.in)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", err
		}
		return "", nil
	}
	return strings.TrimSpace(scanner.Text()), nil
}
