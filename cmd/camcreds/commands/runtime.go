// Package commands implements the camcreds subcommands. Every command is a
// discrete wizard step: it restores the account session from the settings
// store, runs one operation and reports its outcome.
package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/systmms/camcreds/internal/auth"
	"github.com/systmms/camcreds/internal/cloudclient"
	"github.com/systmms/camcreds/internal/config"
	"github.com/systmms/camcreds/internal/deprecation"
	dserrors "github.com/systmms/camcreds/internal/errors"
	"github.com/systmms/camcreds/internal/metrics"
	"github.com/systmms/camcreds/internal/migrate"
	"github.com/systmms/camcreds/internal/resolve"
	"github.com/systmms/camcreds/internal/rtsp"
	"github.com/systmms/camcreds/internal/store"
	"github.com/systmms/camcreds/internal/vault"
	"github.com/systmms/camcreds/pkg/cloud"
	"github.com/systmms/camcreds/pkg/device"
)

// PasswordEnv supplies the account password without a prompt.
const PasswordEnv = "CAMCREDS_PASSWORD"

// Hooks replaced in tests.
var (
	newCloudRegistry = cloudclient.NewRegistry
	newVaultRegistry = vault.NewRegistry
	newProber        = func() rtsp.Prober { return rtsp.NewClient() }
)

// All returns every camcreds subcommand.
func All(cfg *config.Config) []*cobra.Command {
	return []*cobra.Command{
		NewLoginCommand(cfg),
		NewRefreshCommand(cfg),
		NewLogoutCommand(cfg),
		NewStatusCommand(cfg),
		NewResolveCommand(cfg),
		NewSelectCommand(cfg),
		NewValidateCommand(cfg),
		NewURLCommand(cfg),
		NewDevicesCommand(cfg),
		NewMigrateCommand(cfg),
		NewAdvisoriesCommand(cfg),
		NewDoctorCommand(cfg),
		NewCompletionCommand(cfg),
	}
}

// runtime wires the components for one command.
type runtime struct {
	cfg      *config.Config
	store    store.Store
	client   cloud.Client
	machine  *auth.Machine
	resolver *resolve.Resolver
	advisory *deprecation.Registry
	migrator *migrate.Engine

	in  *bufio.Reader
	out io.Writer
	err io.Writer
}

func newRuntime(cmd *cobra.Command, cfg *config.Config) (*runtime, error) {
	ctx := cmd.Context()
	if cfg.Definition == nil {
		if err := cfg.Load(); err != nil {
			return nil, err
		}
	}
	def := cfg.Definition
	if cfg.MetricsEnabled() {
		metrics.InitMetrics()
	}

	v, err := newVaultRegistry().Create(ctx, def.Vault.Type, def.Vault.Config)
	if err != nil {
		return nil, dserrors.UserError{
			Message:    "Failed to open secret vault",
			Details:    err.Error(),
			Suggestion: "Check the 'vault' section of the configuration",
			Err:        err,
		}
	}
	st, err := store.Open(ctx, def.Store, v)
	if err != nil {
		return nil, dserrors.UserError{
			Message:    "Failed to open settings store",
			Details:    err.Error(),
			Suggestion: "Check the 'store' section of the configuration",
			Err:        err,
		}
	}
	client, err := newCloudRegistry().Create(ctx, def.Cloud.Type, def.Cloud.Config, cfg.AccountTimeout())
	if err != nil {
		_ = st.Close()
		return nil, dserrors.UserError{
			Message:    "Failed to create cloud client",
			Details:    err.Error(),
			Suggestion: "Check the 'cloud' section of the configuration",
			Err:        err,
		}
	}

	machine := auth.NewMachine(client, st, auth.Policy{MaxMFARetries: cfg.MFARetries()}, auth.WithLogger(cfg.Logger))
	if res := machine.Restore(ctx); res.Failure != nil {
		cfg.Logger.Debug("No usable session restored: %v", res.Err())
	}

	advisory := deprecation.NewRegistry(st, deprecation.WithLogger(cfg.Logger))
	resolver := resolve.New(machine, client, st, newProber(), resolve.Options{
		ValidateTimeout: cfg.ValidateTimeout(),
		Logger:          cfg.Logger,
	})
	rt := &runtime{
		cfg:      cfg,
		store:    st,
		client:   client,
		machine:  machine,
		resolver: resolver,
		advisory: advisory,
		migrator: migrate.NewEngine(st, migrate.WithLogger(cfg.Logger), migrate.WithIssues(advisory)),
		in:       bufio.NewReader(cmd.InOrStdin()),
		out:      cmd.OutOrStdout(),
		err:      cmd.ErrOrStderr(),
	}
	return rt, nil
}

func (rt *runtime) Close() {
	rt.resolver.Close()
	if err := rt.store.Close(); err != nil {
		rt.cfg.Logger.Warn("Failed to close settings store: %v", err)
	}
	_ = rt.cfg.Logger.Sync()
}

// prompt reads one line. Non-interactive runs fail instead.
func (rt *runtime) prompt(label, flagHint string) (string, error) {
	if rt.cfg.NonInteractive {
		return "", dserrors.UserError{
			Message:    strings.TrimSuffix(strings.TrimSpace(label), ":") + " required",
			Suggestion: fmt.Sprintf("Pass %s or run without --non-interactive", flagHint),
		}
	}
	fmt.Fprint(rt.err, label)
	line, err := rt.in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func (rt *runtime) password() (string, error) {
	if pw := os.Getenv(PasswordEnv); pw != "" {
		return pw, nil
	}
	return rt.prompt("Account password: ", "the password in "+PasswordEnv)
}

// requireSession fails unless the restored session is usable.
func (rt *runtime) requireSession(ctx context.Context) error {
	switch rt.machine.State() {
	case auth.Authenticated:
		return nil
	case auth.Expired:
		res, err := rt.completeLogin(ctx, rt.machine.Refresh(ctx), "")
		if err != nil {
			return err
		}
		return dserrors.FromResult("session refresh", res)
	}
	return dserrors.UserError{
		Message:    "Not logged in",
		Suggestion: "Log in first with 'camcreds login'",
	}
}

// deviceID maps a typed serial onto the stored record it names. An exact
// match wins; otherwise a single case-insensitive match is used. Serials
// with no record are normalized.
func (rt *runtime) deviceID(ctx context.Context, typed string) (string, error) {
	typed = strings.TrimSpace(typed)
	records, err := rt.store.ListRecords(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list device records: %w", err)
	}
	var matches []string
	for _, rec := range records {
		if rec.DeviceID == typed {
			return typed, nil
		}
		if strings.EqualFold(rec.DeviceID, typed) {
			matches = append(matches, rec.DeviceID)
		}
	}
	switch len(matches) {
	case 0:
		return device.NormalizeID(typed), nil
	case 1:
		return matches[0], nil
	}
	return "", dserrors.UserError{
		Message:    fmt.Sprintf("Ambiguous device %q", typed),
		Details:    "Records: " + strings.Join(matches, ", "),
		Suggestion: "Type the serial exactly as stored (see 'camcreds devices')",
	}
}

// addrFor returns the --addr entry for deviceID, matching keys exactly
// first and then case-insensitively.
func addrFor(addrs map[string]string, deviceID string) (string, bool) {
	if ip, ok := addrs[deviceID]; ok {
		return ip, true
	}
	for id, ip := range addrs {
		if strings.EqualFold(id, deviceID) {
			return ip, true
		}
	}
	return "", false
}
