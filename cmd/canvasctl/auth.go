package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ashureev/canvaspilot/internal/auth"
)

func authCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage assistant credentials",
	}
	cmd.AddCommand(
		authStatusCmd(),
		authKeyCmd(),
		authLoginCmd(),
		authImportCmd(),
		authLogoutCmd(),
	)
	return cmd
}

func authStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show stored credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printView(cmd.OutOrStdout(), instance.Menu.View())
		},
	}
}

func authKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "key [api-key]",
		Short: "Store a provider API key",
		Long: `Store a provider API key. Without an argument the key is read
from stdin, without echo when stdin is a terminal.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var key string
			if len(args) == 1 {
				key = args[0]
			} else {
				var err error
				if key, err = readSecret(cmd.ErrOrStderr(), os.Stdin); err != nil {
					return err
				}
			}
			if strings.TrimSpace(key) == "" {
				return errors.New("empty API key")
			}

			instance.Menu.OpenSettings()
			view, err := instance.Menu.SubmitAPIKey(cmd.Context(), strings.TrimSpace(key))
			if err != nil {
				return err
			}
			return printView(cmd.OutOrStdout(), view)
		},
	}
}

func authLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Sign in with a device code",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeviceLogin(cmd.Context(), instance.Menu, cmd.OutOrStdout())
		},
	}
}

func authImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import",
		Short: "Import credentials from the Codex CLI",
		RunE: func(cmd *cobra.Command, args []string) error {
			instance.Menu.OpenSettings()
			view, res, err := instance.Menu.ImportExternal(cmd.Context())
			if err != nil {
				return err
			}
			if !jsonOut {
				fmt.Fprintf(cmd.OutOrStdout(), "Imported %s credentials\n", res.Method)
			}
			return printView(cmd.OutOrStdout(), view)
		},
	}
}

func authLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove stored credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			view, err := instance.Menu.ClearCredentials(cmd.Context())
			if err != nil {
				return err
			}
			return printView(cmd.OutOrStdout(), view)
		},
	}
}

// runDeviceLogin starts the device flow and blocks until polling settles
// or ctx is cancelled.
func runDeviceLogin(ctx context.Context, menu *auth.Menu, out io.Writer) error {
	settled := make(chan auth.View, 1)
	menu.OnChange(func(v auth.View) {
		if v.State == auth.StateDeviceFlow {
			return
		}
		select {
		case settled <- v:
		default:
		}
	})

	menu.OpenSettings()
	// Drain the transition OpenSettings just reported.
	select {
	case <-settled:
	default:
	}

	view, err := menu.StartDeviceFlow(ctx)
	if err != nil {
		return err
	}
	if view.Device == nil {
		return errors.New("device flow did not return a code")
	}
	fmt.Fprintf(out, "Open %s and enter the code %s\n", view.Device.VerificationURL, view.Device.UserCode)
	fmt.Fprintln(out, "Waiting for authorization...")

	select {
	case v := <-settled:
		if v.State != auth.StateChat {
			return fmt.Errorf("device authorization failed: %s", v.LastError)
		}
		fmt.Fprintln(out, "Signed in.")
		return nil
	case <-ctx.Done():
		menu.CancelDeviceFlow()
		return ctx.Err()
	}
}

func readSecret(prompt io.Writer, in *os.File) (string, error) {
	if term.IsTerminal(int(in.Fd())) {
		fmt.Fprint(prompt, "API key: ")
		b, err := term.ReadPassword(int(in.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("read API key: %w", err)
		}
		return string(b), nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read API key: %w", err)
	}
	return line, nil
}

func printView(out io.Writer, v auth.View) error {
	if jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	method := string(v.Status.Method)
	if method == "" {
		method = "none"
	}
	fmt.Fprintf(out, "State:          %s\n", v.State)
	fmt.Fprintf(out, "Authenticated:  %t (%s)\n", v.Status.Authenticated(), method)
	fmt.Fprintf(out, "Codex import:   %t\n", v.Status.ExternalAvailable)
	if v.LastError != "" {
		fmt.Fprintf(out, "Last error:     %s\n", v.LastError)
	}
	return nil
}
