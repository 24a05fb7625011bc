package commands

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/systmms/camcreds/internal/config"
	"github.com/systmms/camcreds/pkg/device"
	"gopkg.in/yaml.v3"
)

// DeviceView is a record with its secrets masked.
type DeviceView struct {
	DeviceID         string `json:"device_id" yaml:"device_id"`
	Username         string `json:"username" yaml:"username"`
	Kind             string `json:"kind" yaml:"kind"`
	VerificationCode string `json:"verification_code" yaml:"verification_code"`
	EncryptionKey    string `json:"encryption_key" yaml:"encryption_key"`
	RTSPPath         string `json:"rtsp_path" yaml:"rtsp_path"`
	Validated        bool   `json:"validated" yaml:"validated"`
}

func maskSecret(v string) string {
	switch {
	case device.IsPlaceholder(v):
		return "(not resolved)"
	case len(v) <= 4:
		return "****"
	}
	return v[:2] + "****" + v[len(v)-2:]
}

func viewOf(r device.Record, reveal bool) DeviceView {
	mask := maskSecret
	if reveal {
		mask = func(v string) string {
			if device.IsPlaceholder(v) {
				return "(not resolved)"
			}
			return v
		}
	}
	return DeviceView{
		DeviceID:         r.DeviceID,
		Username:         r.Username,
		Kind:             r.Kind.Short(),
		VerificationCode: mask(r.Secrets.VerificationCode),
		EncryptionKey:    mask(r.Secrets.EncryptionKey),
		RTSPPath:         r.RTSPPath,
		Validated:        r.Validated,
	}
}

func NewDevicesCommand(cfg *config.Config) *cobra.Command {
	var (
		format string
		reveal bool
	)

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List configured cameras",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			records, err := rt.store.ListRecords(cmd.Context())
			if err != nil {
				return err
			}
			views := make([]DeviceView, 0, len(records))
			for _, r := range records {
				views = append(views, viewOf(r, reveal))
			}

			switch format {
			case "json":
				enc := json.NewEncoder(rt.out)
				enc.SetIndent("", "  ")
				return enc.Encode(views)
			case "yaml":
				return yaml.NewEncoder(rt.out).Encode(views)
			}

			if len(views) == 0 {
				fmt.Fprintln(rt.out, "No cameras configured")
				return nil
			}
			w := tabwriter.NewWriter(rt.out, 0, 0, 2, ' ', 0)
			defer w.Flush()
			fmt.Fprintln(w, "DEVICE\tUSER\tKIND\tVC\tENC\tPATH\tVALIDATED")
			for _, v := range views {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%t\n",
					v.DeviceID, v.Username, v.Kind, v.VerificationCode, v.EncryptionKey, v.RTSPPath, v.Validated)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "table", "Output format: table, json, yaml")
	cmd.Flags().BoolVar(&reveal, "reveal", false, "Print secrets in clear text")
	return cmd
}
