package commands

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/systmms/camcreds/internal/config"
	dserrors "github.com/systmms/camcreds/internal/errors"
	"github.com/systmms/camcreds/pkg/device"
)

func NewURLCommand(cfg *config.Config) *cobra.Command {
	var (
		ip     string
		format string
	)

	cmd := &cobra.Command{
		Use:   "url <device>",
		Short: "Print the RTSP stream URL of a camera",
		Long: `Print the RTSP URL built from the camera's active secret, for use as an
ffmpeg or NVR stream source. The URL contains the secret.`,
		Example: `  camcreds url C12345678 --ip 192.168.1.20
  camcreds url C12345678 --ip 192.168.1.20 --format env >> cameras.env`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			deviceID, err := rt.deviceID(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			rec, err := rt.store.ReadRecord(cmd.Context(), deviceID)
			if err != nil {
				return dserrors.UserError{
					Message:    fmt.Sprintf("No record for %s", deviceID),
					Suggestion: fmt.Sprintf("Run 'camcreds resolve %s' first", deviceID),
					Err:        err,
				}
			}
			u, err := device.StreamURL(rec, ip)
			if err != nil {
				return dserrors.UserError{
					Message:    "Cannot build stream URL",
					Details:    err.Error(),
					Suggestion: "Pass --ip and make sure the active secret is resolved",
					Err:        err,
				}
			}

			switch format {
			case "json":
				return json.NewEncoder(rt.out).Encode(map[string]string{"device_id": deviceID, "url": u})
			case "env":
				fmt.Fprintf(rt.out, "CAMERA_%s_RTSP_URL=%q\n", strings.ToUpper(deviceID), u)
			default:
				fmt.Fprintln(rt.out, u)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&ip, "ip", "", "Camera address")
	cmd.Flags().StringVar(&format, "format", "raw", "Output format: raw, json, env")
	return cmd
}
