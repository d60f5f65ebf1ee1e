package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"pkt.systems/passd"
	"pkt.systems/passd/internal/identity"
	"pkt.systems/passd/internal/lease"
)

// terminalNotifier prints notifications to stdout; it is the CLI's delivery
// transport for watch mode.
type terminalNotifier struct{}

func (terminalNotifier) Notify(title, body string) error {
	fmt.Printf("*** %s %s\n", title, body)
	return nil
}

func confirm(prompt string, assumeYes bool) bool {
	if assumeYes {
		return true
	}
	fmt.Printf("%s [y/N]: ", prompt)
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
	return answer == "y" || answer == "yes"
}

func requireIdentity(cmd *cobra.Command, sess *passd.Session) (identity.Identity, error) {
	id, err := sess.SavedIdentity(cmd.Context())
	if err != nil {
		return identity.Identity{}, fmt.Errorf("no saved login on this device, run `passd login` first")
	}
	return id, nil
}

func parseKey(arg string) (lease.Key, error) {
	key := lease.Key(strings.TrimSpace(arg))
	for _, known := range lease.Keys() {
		if key == known {
			return key, nil
		}
	}
	return "", fmt.Errorf("unknown pass %q (expected one of %v)", arg, lease.Keys())
}

func newClaimCommand() *cobra.Command {
	var assumeYes bool
	cmd := &cobra.Command{
		Use:   "claim KEY",
		Short: "Claim a pass",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseKey(args[0])
			if err != nil {
				return err
			}
			sess, err := newCLISession()
			if err != nil {
				return err
			}
			defer sess.Close()
			ctx, cancel := oneShotContext(cmd.Context())
			defer cancel()
			id, err := requireIdentity(cmd, sess)
			if err != nil {
				return err
			}
			snap, err := sess.Snapshot(ctx)
			if err != nil {
				return err
			}
			current := snap.Get(key)
			prompt := fmt.Sprintf("Claim %s?", lease.DisplayName(key))
			if current.Claimed() && current.Owner != id.DisplayName {
				prompt = fmt.Sprintf("%s is in use by %s. Take it over?", lease.DisplayName(key), current.Owner)
			}
			if !confirm(prompt, assumeYes) {
				return nil
			}
			decision, err := sess.Claim(ctx, id, key)
			if err != nil {
				return err
			}
			if !decision.Allowed {
				fmt.Println(decision.Message(key))
				return nil
			}
			if decision.Seizes {
				fmt.Printf("%s taken over from %s by %s\n", lease.DisplayName(key), decision.Holder, id.DisplayName)
				return nil
			}
			fmt.Printf("%s claimed by %s\n", lease.DisplayName(key), id.DisplayName)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}

func newReleaseCommand() *cobra.Command {
	var assumeYes bool
	cmd := &cobra.Command{
		Use:   "release KEY",
		Short: "Release a pass",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseKey(args[0])
			if err != nil {
				return err
			}
			sess, err := newCLISession()
			if err != nil {
				return err
			}
			defer sess.Close()
			ctx, cancel := oneShotContext(cmd.Context())
			defer cancel()
			id, err := requireIdentity(cmd, sess)
			if err != nil {
				return err
			}
			if !confirm(fmt.Sprintf("Release %s?", lease.DisplayName(key)), assumeYes) {
				return nil
			}
			decision, err := sess.Release(ctx, id, key)
			if err != nil {
				return err
			}
			if !decision.Allowed {
				fmt.Println(decision.Message(key))
				return nil
			}
			fmt.Printf("%s released\n", lease.DisplayName(key))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current pass overview",
		RunE: func(cmd *cobra.Command, _ []string) error {
			sess, err := newCLISession()
			if err != nil {
				return err
			}
			defer sess.Close()
			ctx, cancel := oneShotContext(cmd.Context())
			defer cancel()
			snap, err := sess.Snapshot(ctx)
			if err != nil {
				return err
			}
			cfg := buildConfig()
			ttl := cfg.TTL
			if ttl <= 0 {
				ttl = passd.DefaultTTL
			}
			now := time.Now().UTC()
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PASS\tSTATUS\tHOLDER\tCLAIMED\tREMAINING")
			for _, key := range lease.Keys() {
				l := snap.Get(key)
				if !l.Claimed() {
					fmt.Fprintf(w, "%s\tavailable\t-\t-\t-\n", lease.DisplayName(key))
					continue
				}
				remaining := l.Remaining(ttl, now)
				if remaining < 0 {
					remaining = 0
				}
				fmt.Fprintf(w, "%s\tclaimed\t%s\t%s\t%s\n",
					lease.DisplayName(key), l.Owner,
					humanize.Time(l.ClaimedAt), remaining.Round(time.Minute))
			}
			return w.Flush()
		},
	}
}

func newLeaderboardCommand() *cobra.Command {
	var remote bool
	cmd := &cobra.Command{
		Use:   "leaderboard",
		Short: "Show the usage ranking",
		RunE: func(cmd *cobra.Command, _ []string) error {
			sess, err := newCLISession()
			if err != nil {
				return err
			}
			defer sess.Close()
			ctx, cancel := oneShotContext(cmd.Context())
			defer cancel()
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			defer w.Flush()
			if remote {
				rows, err := sess.RemoteLeaderboard(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(w, "#\tUSER\tCLAIMS\tLAST LOGIN")
				for i, row := range rows {
					lastLogin := "-"
					if row.LastLogin != nil {
						lastLogin = *row.LastLogin
					}
					fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", humanize.Ordinal(i+1), row.Username, row.ClaimCount, lastLogin)
				}
				return nil
			}
			entries, err := sess.Leaderboard(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(w, "#\tUSER\tCLAIMS")
			for i, entry := range entries {
				fmt.Fprintf(w, "%s\t%s\t%d\n", humanize.Ordinal(i+1), entry.User, entry.Count)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&remote, "remote", false, "show the store-side ranking instead of the local tally")
	return cmd
}

func newLoginCommand() *cobra.Command {
	var code string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in with an access code and remember it on this device",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(code) == "" {
				return fmt.Errorf("access code required (--code)")
			}
			sess, err := newCLISession()
			if err != nil {
				return err
			}
			defer sess.Close()
			ctx, cancel := oneShotContext(cmd.Context())
			defer cancel()
			id, err := sess.Login(ctx, code)
			if err != nil {
				return err
			}
			fmt.Printf("Welcome, %s!\n", id.DisplayName)
			return nil
		},
	}
	cmd.Flags().StringVar(&code, "code", "", "access code")
	return cmd
}

func newLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the saved login on this device",
		RunE: func(cmd *cobra.Command, _ []string) error {
			sess, err := newCLISession()
			if err != nil {
				return err
			}
			defer sess.Close()
			return sess.Logout(cmd.Context())
		},
	}
}
