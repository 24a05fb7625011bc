package commands

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/systmms/camcreds/internal/config"
	"github.com/systmms/camcreds/internal/store"
	"github.com/systmms/camcreds/internal/vault"
)

var timeNow = time.Now

// ComponentHealth is one line of the doctor report.
type ComponentHealth struct {
	Name       string
	Type       string
	Status     string // healthy, warning, error
	Message    string
	Suggestion string
}

func NewDoctorCommand(cfg *config.Config) *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, store, vault and session",
		Long: `Verify that camcreds is ready to resolve camera secrets.

This command checks:
- Configuration file validity
- Vault access (a throwaway secret is written, read back and deleted)
- Settings store access
- Account session state
- Legacy entries waiting for 'camcreds migrate'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			cfg.Logger.Info("Checking camcreds configuration...")
			if err := cfg.Load(); err != nil {
				cfg.Logger.Error("Configuration error: %v", err)
				return fmt.Errorf("failed to load config: %w", err)
			}
			def := cfg.Definition
			var results []ComponentHealth

			v, err := newVaultRegistry().Create(ctx, def.Vault.Type, def.Vault.Config)
			vh := ComponentHealth{Name: "vault", Type: orInline(def.Vault.Type)}
			if err == nil && v != nil {
				err = probeVault(cmd, v)
			}
			if err != nil {
				vh.Status, vh.Message = "error", err.Error()
				vh.Suggestion = "Check the 'vault' section and the backend credentials"
				results = append(results, vh)
				displayHealth(out, results, verbose)
				return fmt.Errorf("vault is not usable")
			}
			vh.Status, vh.Message = "healthy", "read/write ok"
			if v == nil {
				vh.Message = "secrets kept in the settings store"
			}
			results = append(results, vh)

			st, err := store.Open(ctx, def.Store, v)
			sh := ComponentHealth{Name: "store", Type: orFile(def.Store.Type)}
			if err != nil {
				sh.Status, sh.Message = "error", err.Error()
				sh.Suggestion = "Check the 'store' section of the configuration"
				results = append(results, sh)
				displayHealth(out, results, verbose)
				return fmt.Errorf("settings store is not usable")
			}
			defer func() { _ = st.Close() }()

			records, err := st.ListRecords(ctx)
			if err != nil {
				sh.Status, sh.Message = "error", err.Error()
				results = append(results, sh)
				displayHealth(out, results, verbose)
				return fmt.Errorf("settings store is not usable")
			}
			sh.Status, sh.Message = "healthy", fmt.Sprintf("%d device records", len(records))
			results = append(results, sh)

			session := ComponentHealth{Name: "session", Type: def.Cloud.Type}
			sess, err := st.ReadSession(ctx)
			switch {
			case err != nil:
				session.Status, session.Message = "warning", "not logged in"
				session.Suggestion = "Run 'camcreds login'"
			case sess.Expired(timeNow()):
				session.Status, session.Message = "warning", "expired for "+sess.Account
				session.Suggestion = "Run 'camcreds refresh'"
			default:
				session.Status, session.Message = "healthy", "logged in as "+sess.Account
			}
			results = append(results, session)

			legacy, err := st.ReadLegacyEntries(ctx)
			lh := ComponentHealth{Name: "legacy entries", Type: "-"}
			pending := 0
			for _, e := range legacy {
				if e.NeedsMigration() {
					pending++
				}
			}
			switch {
			case err != nil:
				lh.Status, lh.Message = "error", err.Error()
			case pending > 0:
				lh.Status, lh.Message = "warning", fmt.Sprintf("%d awaiting migration", pending)
				lh.Suggestion = "Run 'camcreds migrate'"
			default:
				lh.Status, lh.Message = "healthy", "none pending"
			}
			results = append(results, lh)

			displayHealth(out, results, verbose)
			for _, r := range results {
				if r.Status == "error" {
					return fmt.Errorf("some checks failed")
				}
			}
			cfg.Logger.Info("✓ All checks passed")
			return nil
		},
	}

	cmd.Flags().BoolVar(&verbose, "verbose", false, "Show suggestions for every check")
	return cmd
}

func probeVault(cmd *cobra.Command, v vault.Vault) error {
	ctx := cmd.Context()
	key := "camcreds-doctor-" + uuid.NewString()
	if err := v.Put(ctx, key, "ok"); err != nil {
		return err
	}
	got, err := v.Get(ctx, key)
	if err != nil {
		return err
	}
	if got != "ok" {
		return fmt.Errorf("vault returned %q for the probe secret", got)
	}
	return v.Delete(ctx, key)
}

func orInline(t string) string {
	if t == "" {
		return "inline"
	}
	return t
}

func orFile(t string) string {
	if t == "" {
		return "file"
	}
	return t
}

func displayHealth(out io.Writer, results []ComponentHealth, verbose bool) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer w.Flush()

	_, _ = fmt.Fprintf(w, "CHECK\tTYPE\tSTATUS\tMESSAGE\n")
	_, _ = fmt.Fprintf(w, "-----\t----\t------\t-------\n")
	for _, r := range results {
		status := r.Status
		switch r.Status {
		case "healthy":
			status = "✓ " + status
		case "warning":
			status = "! " + status
		case "error":
			status = "✗ " + status
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Name, r.Type, status, r.Message)
		if r.Suggestion != "" && (verbose || r.Status == "error") {
			_, _ = fmt.Fprintf(w, "\t\t\t💡 %s\n", r.Suggestion)
		}
	}
}
