package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/systmms/camcreds/internal/auth"
	"github.com/systmms/camcreds/internal/config"
	dserrors "github.com/systmms/camcreds/internal/errors"
	"github.com/systmms/camcreds/pkg/flow"
	"gopkg.in/yaml.v3"
)

func NewLoginCommand(cfg *config.Config) *cobra.Command {
	var code string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in to the cloud account",
		Long: `Log in with the account from the configuration. The password is read from
CAMCREDS_PASSWORD or prompted for. When the account asks for a verification
code, pass it with --code or enter it at the prompt; an empty answer cancels.`,
		Example: `  CAMCREDS_PASSWORD=... camcreds login
  camcreds login --code 123456`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()
			ctx := cmd.Context()

			host, err := cfg.APIHost()
			if err != nil {
				return err
			}
			password, err := rt.password()
			if err != nil {
				return err
			}
			account := cfg.Definition.Account.Username
			res := rt.machine.Login(ctx, auth.Credentials{Account: account, Password: password, APIURL: host})
			res, err = rt.completeLogin(ctx, res, code)
			if err != nil {
				return err
			}
			if err := dserrors.FromResult("login", res); err != nil {
				return err
			}
			fmt.Fprintf(rt.out, "✅ Logged in as %s (%s)\n", account, host)
			return nil
		},
	}

	cmd.Flags().StringVar(&code, "code", "", "Verification code, if the account asks for one")
	return cmd
}

// completeLogin answers login code requests until the machine leaves
// AwaitingMFA. code is used for the first answer; later ones are prompted.
func (rt *runtime) completeLogin(ctx context.Context, res flow.Result, code string) (flow.Result, error) {
	for res.Outcome == flow.NeedsInput && res.Input == flow.InputLoginCode {
		if code == "" {
			var err error
			code, err = rt.prompt("Verification code (empty to cancel): ", "--code")
			if err != nil {
				rt.machine.Cancel()
				return res, err
			}
		}
		if code == "" {
			rt.machine.Cancel()
			return res, dserrors.UserError{Message: "Login cancelled"}
		}
		res = rt.machine.SubmitMFA(ctx, code)
		code = ""
		if res.Reason() == flow.ReasonMFARejected && rt.machine.State() == auth.AwaitingMFA {
			fmt.Fprintln(rt.err, "❌ Code rejected, try again")
			res = flow.Need(flow.InputLoginCode, nil)
		}
	}
	return res, nil
}

func NewRefreshCommand(cfg *config.Config) *cobra.Command {
	var code string

	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Refresh the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()
			ctx := cmd.Context()

			res, err := rt.completeLogin(ctx, rt.machine.Refresh(ctx), code)
			if err != nil {
				return err
			}
			if err := dserrors.FromResult("refresh", res); err != nil {
				return err
			}
			fmt.Fprintln(rt.out, "✅ Session refreshed")
			return nil
		},
	}

	cmd.Flags().StringVar(&code, "code", "", "Verification code, if re-authentication asks for one")
	return cmd
}

func NewLogoutCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := dserrors.FromResult("logout", rt.machine.Logout(cmd.Context())); err != nil {
				return err
			}
			fmt.Fprintln(rt.out, "Logged out")
			return nil
		},
	}
}

// Status is the output of the status command.
type Status struct {
	State      string     `json:"state" yaml:"state"`
	Account    string     `json:"account,omitempty" yaml:"account,omitempty"`
	APIURL     string     `json:"api_url,omitempty" yaml:"api_url,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
	Devices    int        `json:"devices" yaml:"devices"`
	Validated  int        `json:"validated" yaml:"validated"`
	Legacy     int        `json:"legacy_entries" yaml:"legacy_entries"`
	Advisories int        `json:"advisories" yaml:"advisories"`
}

func NewStatusCommand(cfg *config.Config) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show session, device and advisory status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			st, err := rt.status(cmd.Context())
			if err != nil {
				return err
			}
			switch format {
			case "json":
				enc := json.NewEncoder(rt.out)
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			case "yaml":
				return yaml.NewEncoder(rt.out).Encode(st)
			}

			w := tabwriter.NewWriter(rt.out, 0, 0, 2, ' ', 0)
			defer w.Flush()
			fmt.Fprintf(w, "Session:\t%s\n", st.State)
			if st.Account != "" {
				fmt.Fprintf(w, "Account:\t%s (%s)\n", st.Account, st.APIURL)
			}
			if st.ExpiresAt != nil {
				fmt.Fprintf(w, "Expires:\t%s\n", st.ExpiresAt.Format(time.RFC3339))
			}
			fmt.Fprintf(w, "Devices:\t%d (%d validated)\n", st.Devices, st.Validated)
			if st.Legacy > 0 {
				fmt.Fprintf(w, "Legacy entries:\t%d (run 'camcreds migrate')\n", st.Legacy)
			}
			fmt.Fprintf(w, "Advisories:\t%d\n", st.Advisories)
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "table", "Output format: table, json, yaml")
	return cmd
}

func (rt *runtime) status(ctx context.Context) (Status, error) {
	st := Status{State: rt.machine.State().String()}
	if sess, ok := rt.machine.Session(); ok {
		st.Account = sess.Account
		st.APIURL = sess.APIURL
		if !sess.ExpiresAt.IsZero() {
			exp := sess.ExpiresAt
			st.ExpiresAt = &exp
		}
	}
	records, err := rt.store.ListRecords(ctx)
	if err != nil {
		return st, err
	}
	st.Devices = len(records)
	for _, r := range records {
		if r.Validated {
			st.Validated++
		}
	}
	legacy, err := rt.store.ReadLegacyEntries(ctx)
	if err != nil {
		return st, err
	}
	for _, e := range legacy {
		if e.NeedsMigration() {
			st.Legacy++
		}
	}
	advisories, err := rt.advisory.List(ctx)
	if err != nil {
		return st, err
	}
	st.Advisories = len(advisories)
	return st, nil
}
