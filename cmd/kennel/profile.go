package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	clierrors "github.com/kennel-dev/kennel/internal/errors"
	"github.com/kennel-dev/kennel/internal/observability"
	"github.com/kennel-dev/kennel/internal/output"
	"github.com/kennel-dev/kennel/internal/profile"
)

func newProfileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Manage credential profiles",
		Long: `Manage the credential profiles the agent can run under. One profile
is always the default; it carries no token and uses whatever login
state the agent CLI finds on its own. Additional profiles hold an
OAuth token (stored in the OS keyring) or point at an alternate agent
config directory.`,
	}

	cmd.AddCommand(newProfileListCmd())
	cmd.AddCommand(newProfileAddCmd())
	cmd.AddCommand(newProfileRemoveCmd())
	cmd.AddCommand(newProfileDefaultCmd())
	cmd.AddCommand(newProfileTokenCmd())
	cmd.AddCommand(newProfileSetupCmd())

	return cmd
}

// profileInfo is the JSON shape for profile listings.
type profileInfo struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Default    bool   `json:"default"`
	Active     bool   `json:"active"`
	Email      string `json:"email,omitempty"`
	ConfigDir  string `json:"configDir,omitempty"`
	LastUsedAt string `json:"lastUsedAt,omitempty"`
	Limited    bool   `json:"limited"`
	ResetAt    string `json:"resetAt,omitempty"`
}

func profileInfos(store *profile.Store) []profileInfo {
	now := time.Now()
	active := store.Active().ID

	var infos []profileInfo
	for _, p := range store.List() {
		info := profileInfo{
			ID:        p.ID,
			Name:      p.Name,
			Default:   p.IsDefault,
			Active:    p.ID == active,
			Email:     p.Email,
			ConfigDir: p.ConfigDir,
			Limited:   p.Limited(now),
		}

		if !p.LastUsedAt.IsZero() {
			info.LastUsedAt = p.LastUsedAt.UTC().Format(time.RFC3339)
		}

		for _, ev := range p.RateLimits {
			if !ev.Expired(now) && (info.ResetAt == "" || ev.ResetString > info.ResetAt) {
				info.ResetAt = ev.ResetString
			}
		}

		infos = append(infos, info)
	}

	return infos
}

func newProfileListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Short:   "List credential profiles",
		Example: `  kennel profile list`,
		Args:    noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := output.FromContext(cmd.Context())
			logger := observability.FromContext(cmd.Context())

			store, err := newProfileStore(logger)
			if err != nil {
				return err
			}

			infos := profileInfos(store)

			if out.JSON {
				return out.PrintJSON(infos)
			}

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tEMAIL\tLAST USED\tSTATE")

			for _, info := range infos {
				state := "available"
				if info.Limited {
					state = "limited"
					if info.ResetAt != "" {
						state = "limited (resets " + info.ResetAt + ")"
					}
				}

				marker := ""
				if info.Active {
					marker = " *"
				}

				lastUsed := info.LastUsedAt
				if lastUsed == "" {
					lastUsed = "never"
				}

				fmt.Fprintf(w, "%s%s\t%s\t%s\t%s\t%s\n", info.ID, marker, info.Name, info.Email, lastUsed, state)
			}

			return w.Flush()
		},
	}
}

func newProfileAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "add <name>",
		Short:   "Add a credential profile",
		Example: `  kennel profile add "Work Account"`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := output.FromContext(cmd.Context())
			logger := observability.FromContext(cmd.Context())

			store, err := newProfileStore(logger)
			if err != nil {
				return err
			}

			p, err := store.Create(args[0])
			if err != nil {
				return clierrors.Wrap(clierrors.ExitProfile, "Could not create the profile", err)
			}

			out.Success("Profile %q created (id: %s)", p.Name, p.ID)
			out.Info("Store a token with 'kennel profile setup %s' or 'kennel profile token set %s'", p.ID, p.ID)

			return nil
		},
	}
}

func newProfileRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "remove <id>",
		Short:   "Remove a credential profile and its stored token",
		Example: `  kennel profile remove work-account`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := output.FromContext(cmd.Context())
			logger := observability.FromContext(cmd.Context())

			store, err := newProfileStore(logger)
			if err != nil {
				return err
			}

			if err := store.Delete(args[0]); err != nil {
				return clierrors.Wrap(clierrors.ExitProfile, "Could not remove the profile", err)
			}

			out.Success("Profile %s removed", args[0])

			return nil
		},
	}
}

func newProfileDefaultCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "default <id>",
		Short:   "Make a profile the active one",
		Example: `  kennel profile default work-account`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := output.FromContext(cmd.Context())
			logger := observability.FromContext(cmd.Context())

			store, err := newProfileStore(logger)
			if err != nil {
				return err
			}

			if err := store.SetActive(args[0]); err != nil {
				return clierrors.ProfileNotFound(args[0])
			}

			out.Success("Profile %s is now active", args[0])

			return nil
		},
	}
}

func newProfileTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage stored profile tokens",
	}

	cmd.AddCommand(newProfileTokenSetCmd())
	cmd.AddCommand(newProfileTokenShowCmd())

	return cmd
}

func newProfileTokenSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <id> [token]",
		Short: "Store an OAuth token for a profile",
		Long: `Store an OAuth token for a profile. The token goes to the OS keyring
when one is available, falling back to a mode-0600 file. Pass the
token as an argument, pipe it on stdin, or omit it to be prompted.`,
		Example: `  kennel profile token set work sk-ant-oat01-...
  pbpaste | kennel profile token set work`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := output.FromContext(cmd.Context())
			logger := observability.FromContext(cmd.Context())

			store, err := newProfileStore(logger)
			if err != nil {
				return err
			}

			token, err := resolveToken(out, args)
			if err != nil {
				return err
			}

			if err := store.SetToken(args[0], token); err != nil {
				return clierrors.Wrap(clierrors.ExitProfile, "Could not store the token", err)
			}

			out.Success("Token stored for profile %s", args[0])

			return nil
		},
	}
}

func resolveToken(out *output.Writer, args []string) (string, error) {
	if len(args) == 2 {
		return strings.TrimSpace(args[1]), nil
	}

	if !out.Terminal().IsTTY {
		reader := bufio.NewReader(os.Stdin)

		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return "", clierrors.Wrap(clierrors.ExitUsage, "No token provided on stdin", err)
		}

		return strings.TrimSpace(line), nil
	}

	if out.NoInput {
		return "", clierrors.CannotPrompt("KENNEL_NO_INPUT")
	}

	out.Print("Token: ")

	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	out.Print("\n")
	if err != nil {
		return "", clierrors.Wrap(clierrors.ExitUsage, "Could not read the token", err)
	}

	token := strings.TrimSpace(string(raw))
	if token == "" {
		return "", clierrors.New(clierrors.ExitUsage, "Empty token")
	}

	return token, nil
}

func newProfileTokenShowCmd() *cobra.Command {
	var reveal bool

	cmd := &cobra.Command{
		Use:     "show <id>",
		Short:   "Show the stored token for a profile",
		Example: `  kennel profile token show work --reveal`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := output.FromContext(cmd.Context())
			logger := observability.FromContext(cmd.Context())

			store, err := newProfileStore(logger)
			if err != nil {
				return err
			}

			token, err := store.Token(args[0])
			if err != nil {
				return clierrors.Wrap(clierrors.ExitProfile, "Could not read the token", err)
			}

			if !reveal {
				token = maskToken(token)
			}

			out.Print("%s\n", token)

			return nil
		},
	}

	cmd.Flags().BoolVar(&reveal, "reveal", false, "Print the full token instead of a masked prefix")

	return cmd
}

// maskToken keeps the recognizable prefix and hides the secret part.
func maskToken(token string) string {
	const visible = 14

	if len(token) <= visible {
		return strings.Repeat("*", len(token))
	}

	return token[:visible] + strings.Repeat("*", 6)
}

func newProfileSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup <id>",
		Short: "Mint and capture an OAuth token for a profile",
		Long: `Run the agent CLI's token-minting flow in a managed terminal. Log in
with the account this profile should use; the emitted token (and the
account email) are captured from the output and stored automatically.`,
		Example: `  kennel profile setup work`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := output.FromContext(cmd.Context())
			logger := observability.FromContext(cmd.Context())

			if !out.Terminal().IsTTY {
				return clierrors.New(clierrors.ExitUsage, "'kennel profile setup' requires an interactive terminal")
			}

			a, err := newApp(out, logger, true)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cols, rows := termSize()

			id, err := a.manager.StartProfileSetup(ctx, args[0], cols, rows)
			if err != nil {
				return err
			}

			if err := bridgeTerminal(ctx, a, id); err != nil {
				return err
			}

			_ = a.manager.Destroy(id)

			if _, err := a.profiles.Token(args[0]); err != nil {
				return clierrors.NoCredentials(args[0]).
					WithHint("The setup flow ended before a token was captured; run it again or use 'kennel profile token set'")
			}

			out.Success("Profile %s is ready to use", args[0])

			return nil
		},
	}
}
