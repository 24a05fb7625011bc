package commands

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"github.com/systmms/camcreds/internal/config"
	dserrors "github.com/systmms/camcreds/internal/errors"
	"github.com/systmms/camcreds/pkg/flow"
	"golang.org/x/sync/errgroup"
)

func NewValidateCommand(cfg *config.Config) *cobra.Command {
	var (
		ip       string
		all      bool
		addrs    map[string]string
		parallel int
	)

	cmd := &cobra.Command{
		Use:   "validate [device]",
		Short: "Check stored secrets against the cameras",
		Long: `Open an RTSP session to each camera with its active secret. A camera that
accepts the secret is marked validated; nothing else in the record changes.

Check one camera with 'validate <device> --ip <address>', or several with
--all and one --addr DEVICE=IP per camera.`,
		Example: `  camcreds validate C12345678 --ip 192.168.1.20
  camcreds validate --all --addr C12345678=192.168.1.20 --addr D87654321=192.168.1.21`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return dserrors.UserError{
					Message:    "Name one device or pass --all",
					Suggestion: "Run 'camcreds validate <device> --ip <address>' or 'camcreds validate --all --addr DEVICE=IP'",
				}
			}
			rt, err := newRuntime(cmd, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			if !all {
				deviceID, err := rt.deviceID(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return rt.validate(cmd.Context(), deviceID, ip)
			}
			return rt.validateAll(cmd.Context(), addrs, parallel)
		},
	}

	cmd.Flags().StringVar(&ip, "ip", "", "Camera address")
	cmd.Flags().BoolVar(&all, "all", false, "Check every configured camera named in --addr")
	cmd.Flags().StringToStringVar(&addrs, "addr", nil, "Camera address as DEVICE=IP (with --all)")
	cmd.Flags().IntVar(&parallel, "parallel", 4, "Cameras checked at once")
	return cmd
}

func (rt *runtime) validate(ctx context.Context, deviceID, ip string) error {
	if strings.TrimSpace(ip) == "" {
		return dserrors.UserError{
			Message:    "Camera address required",
			Suggestion: "Pass the camera's LAN address with --ip",
		}
	}
	res := rt.resolver.Validate(ctx, deviceID, ip)
	if err := dserrors.FromResult("validate "+deviceID, res); err != nil {
		return err
	}
	if err := dserrors.FromResult("validate "+deviceID, rt.resolver.MarkValidated(ctx, deviceID)); err != nil {
		return err
	}
	fmt.Fprintf(rt.out, "✅ %s: camera accepted the %s\n", deviceID, res.Record.Kind)
	return nil
}

type validateOutcome struct {
	deviceID string
	res      flow.Result
}

func (rt *runtime) validateAll(ctx context.Context, addrs map[string]string, parallel int) error {
	records, err := rt.store.ListRecords(ctx)
	if err != nil {
		return err
	}
	var (
		mu       sync.Mutex
		outcomes []validateOutcome
		skipped  []string
	)
	g, gctx := errgroup.WithContext(ctx)
	if parallel > 0 {
		g.SetLimit(parallel)
	}
	for _, rec := range records {
		ip, ok := addrFor(addrs, rec.DeviceID)
		if !ok {
			skipped = append(skipped, rec.DeviceID)
			continue
		}
		deviceID := rec.DeviceID
		g.Go(func() error {
			res := rt.resolver.Validate(gctx, deviceID, ip)
			if res.Succeeded() {
				res = rt.resolver.MarkValidated(gctx, deviceID)
			}
			mu.Lock()
			outcomes = append(outcomes, validateOutcome{deviceID: deviceID, res: res})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].deviceID < outcomes[j].deviceID })
	failed, transient := 0, 0
	for _, o := range outcomes {
		if o.res.Succeeded() {
			fmt.Fprintf(rt.out, "✅ %s\n", o.deviceID)
			continue
		}
		failed++
		if o.res.Failure.Cause != flow.CauseAuth && dserrors.IsRetryable(o.res.Err()) {
			transient++
		}
		msg := string(o.res.Reason())
		if o.res.Failure != nil && o.res.Failure.Cause != flow.CauseNone {
			msg += " (" + string(o.res.Failure.Cause) + ")"
		}
		fmt.Fprintf(rt.out, "❌ %s: %s\n", o.deviceID, msg)
	}
	for _, id := range skipped {
		fmt.Fprintf(rt.out, "⏭️  %s: no address given\n", id)
	}

	if failed > 0 {
		suggestion := "Check the failing cameras one at a time with 'camcreds validate <device> --ip <address>'"
		if transient == failed {
			suggestion = "All failures look transient. Wake the cameras and run the command again"
		}
		return dserrors.UserError{
			Message:    fmt.Sprintf("%d of %d cameras failed validation", failed, len(outcomes)),
			Suggestion: suggestion,
		}
	}
	return nil
}
