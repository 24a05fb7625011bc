package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/systmms/camcreds/internal/config"
	dserrors "github.com/systmms/camcreds/internal/errors"
	"github.com/systmms/camcreds/internal/resolve"
	"github.com/systmms/camcreds/pkg/device"
	"github.com/systmms/camcreds/pkg/flow"
)

type resolveOptions struct {
	kind     string
	value    string
	username string
	rtspPath string
	refetch  bool
	code     string
	testIP   string
}

func NewResolveCommand(cfg *config.Config) *cobra.Command {
	opts := resolveOptions{}

	cmd := &cobra.Command{
		Use:   "resolve <device>",
		Short: "Store or fetch the RTSP secret of a camera",
		Long: `Resolve the RTSP secret of one camera.

Pass the secret with --value to store it as given. Without --value, or with
--value fetch_my_key, the secret is fetched from the cloud account. The cloud
may ask for a one-time code before it releases the secret; pass it with
--code or enter it at the prompt. An empty answer cancels the fetch.

With --test-ip the stored secret is checked against the camera afterwards
and the record is marked validated when the camera accepts it.`,
		Example: `  camcreds resolve C12345678 --kind vc
  camcreds resolve C12345678 --kind enc --code 123456
  camcreds resolve C12345678 --kind vc --value ABCDEF --test-ip 192.168.1.20`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := device.ParseSecretKind(opts.kind)
			if err != nil {
				return dserrors.UserError{
					Message:    "Invalid secret kind",
					Details:    err.Error(),
					Suggestion: "Use --kind vc or --kind enc",
				}
			}

			rt, err := newRuntime(cmd, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()
			ctx := cmd.Context()

			deviceID, err := rt.deviceID(ctx, args[0])
			if err != nil {
				return err
			}
			if device.IsPlaceholder(opts.value) {
				if err := rt.requireSession(ctx); err != nil {
					return err
				}
			}

			res := rt.resolver.Resolve(ctx, resolve.Request{
				DeviceID: deviceID,
				Kind:     kind,
				Value:    opts.value,
				Username: opts.username,
				RTSPPath: opts.rtspPath,
				Refetch:  opts.refetch,
			})
			res, err = rt.completeFetch(ctx, deviceID, res, opts.code)
			if err != nil {
				return err
			}
			if err := dserrors.FromResult("resolve "+deviceID, res); err != nil {
				return err
			}
			fmt.Fprintf(rt.out, "✅ %s: %s stored\n", deviceID, kind)

			if opts.testIP == "" {
				return nil
			}
			return rt.validate(ctx, deviceID, opts.testIP)
		},
	}

	cmd.Flags().StringVar(&opts.kind, "kind", "vc", "Secret kind: vc (verification code) or enc (encryption key)")
	cmd.Flags().StringVar(&opts.value, "value", "", "Secret value; empty or "+device.FetchPlaceholder+" fetches it")
	cmd.Flags().StringVar(&opts.username, "username", "", "RTSP username")
	cmd.Flags().StringVar(&opts.rtspPath, "rtsp-path", "", "RTSP stream path")
	cmd.Flags().BoolVar(&opts.refetch, "refetch", false, "Fetch from the cloud even when a secret is stored")
	cmd.Flags().StringVar(&opts.code, "code", "", "One-time code, if the fetch asks for one")
	cmd.Flags().StringVar(&opts.testIP, "test-ip", "", "Check the secret against the camera at this address")
	return cmd
}

// completeFetch answers a suspended fetch. A rejected code ends the fetch.
func (rt *runtime) completeFetch(ctx context.Context, deviceID string, res flow.Result, code string) (flow.Result, error) {
	if res.Outcome != flow.NeedsInput || res.Input != flow.InputFetchCode {
		return res, nil
	}
	if code == "" {
		var err error
		code, err = rt.prompt(fmt.Sprintf("Code for %s (empty to cancel): ", deviceID), "--code")
		if err != nil {
			rt.resolver.Cancel(deviceID)
			return res, err
		}
	}
	if code == "" {
		rt.resolver.Cancel(deviceID)
		return res, dserrors.UserError{Message: "Fetch cancelled"}
	}
	return rt.resolver.SubmitFetchMFA(ctx, deviceID, code), nil
}

func NewSelectCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "select <device> <vc|enc>",
		Short: "Switch the secret kind used for a camera",
		Long: `Switch the active secret kind of a configured camera. The other secret is
kept, so switching back does not need another fetch.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := device.ParseSecretKind(args[1])
			if err != nil {
				return dserrors.UserError{
					Message:    "Invalid secret kind",
					Details:    err.Error(),
					Suggestion: "Use vc or enc",
				}
			}
			rt, err := newRuntime(cmd, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			deviceID, err := rt.deviceID(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			res := rt.resolver.SelectKind(cmd.Context(), deviceID, kind)
			if err := dserrors.FromResult("select", res); err != nil {
				return err
			}
			if res.Record != nil && !res.Record.Secrets.Resolved(kind) {
				fmt.Fprintf(rt.out, "⚠️  %s: %s selected but not resolved (run 'camcreds resolve %s --kind %s')\n",
					deviceID, kind, deviceID, kind.Short())
				return nil
			}
			fmt.Fprintf(rt.out, "✅ %s: using %s\n", deviceID, kind)
			return nil
		},
	}
}
