package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/systmms/camcreds/internal/config"
	dserrors "github.com/systmms/camcreds/internal/errors"
	"github.com/systmms/camcreds/internal/migrate"
	"gopkg.in/yaml.v3"
)

func NewMigrateCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Move legacy per-camera entries into the account",
		Long: `Convert the per-camera entries written by older releases into device records
under the cloud account, then remove the converted entries. Existing device
records are never overwritten. Running it again is harmless.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()
			ctx := cmd.Context()

			if err := rt.requireSession(ctx); err != nil {
				return err
			}
			report, err := rt.migrator.Migrate(ctx)
			if err != nil {
				return dserrors.UserError{
					Message:    "Migration failed",
					Details:    err.Error(),
					Suggestion: "Legacy entries were kept. Fix the store problem and run 'camcreds migrate' again",
					Err:        err,
				}
			}
			if report.Noop() {
				fmt.Fprintln(rt.out, "Nothing to migrate")
				return nil
			}
			fmt.Fprintf(rt.out, "✅ Migrated %d legacy entries: %d created, %d kept, %d duplicates, %d deleted\n",
				report.Examined, report.Created, report.Kept, report.Duplicates, report.Deleted)
			if report.Skipped > 0 {
				fmt.Fprintf(rt.out, "   %d entries left in place\n", report.Skipped)
			}
			return nil
		},
	}

	cmd.AddCommand(newMigrateUIDsCommand(cfg))
	return cmd
}

// uidFile is the input of 'migrate uids'.
type uidFile struct {
	Cameras  map[string]migrate.Camera `yaml:"cameras"`
	Bindings []migrate.Binding         `yaml:"bindings"`
}

func newMigrateUIDsCommand(cfg *config.Config) *cobra.Command {
	var (
		file        string
		out         string
		platform    string
		entryID     string
		allowedKeys []string
		renames     map[string]string
	)

	cmd := &cobra.Command{
		Use:   "uids",
		Short: "Rewrite legacy entity unique ids",
		Long: `Rewrite unique ids of the form "<SERIAL>_<CAMERA NAME>.<KEY>" into
"<SERIAL>_<KEY>". The input file lists the current cameras and the entity
bindings:

  cameras:
    C12345678: {name: Front Door, keys: [motion, alarm]}
  bindings:
    - {entity_id: binary_sensor.front_door_motion, platform: binary_sensor, unique_id: "C12345678_Front Door.motion"}

Entities that cannot be rewritten are left alone and listed in a review
advisory.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(file)
			if err != nil {
				return dserrors.UserError{
					Message:    "Cannot read bindings file",
					Details:    err.Error(),
					Suggestion: "Pass the file with --file",
					Err:        err,
				}
			}
			var in uidFile
			if err := yaml.Unmarshal(raw, &in); err != nil {
				return dserrors.ConfigError{Field: "bindings file", Message: err.Error()}
			}

			rt, err := newRuntime(cmd, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			res, err := rt.migrator.MigrateUniqueIDs(cmd.Context(), in.Bindings, in.Cameras, migrate.UIDOptions{
				EntryID:     entryID,
				Platform:    platform,
				AllowedKeys: allowedKeys,
				KeyRenames:  renames,
			})
			if err != nil {
				return err
			}

			s := res.Stats
			fmt.Fprintf(rt.err, "Examined %d, migrated %d, skipped %d\n", s.Examined, s.Migrated, s.Skipped())
			if len(res.SkippedEntities) > 0 {
				fmt.Fprintf(rt.err, "⚠️  Left for review: %s\n", strings.Join(res.SkippedEntities, ", "))
			}

			encoded, err := yaml.Marshal(uidFile{Cameras: in.Cameras, Bindings: res.Bindings})
			if err != nil {
				return err
			}
			if out == "" || out == "-" {
				_, err = rt.out.Write(encoded)
				return err
			}
			return os.WriteFile(out, encoded, 0o600)
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "YAML file with cameras and bindings")
	cmd.Flags().StringVar(&out, "out", "-", "Where to write the rewritten file")
	cmd.Flags().StringVar(&platform, "platform", "", "Entity platform to migrate")
	cmd.Flags().StringVar(&entryID, "entry", "default", "Config entry the bindings belong to")
	cmd.Flags().StringSliceVar(&allowedKeys, "allowed-keys", nil, "Keys the platform still provides")
	cmd.Flags().StringToStringVar(&renames, "rename", nil, "Key renames as OLD=NEW")
	_ = cmd.MarkFlagRequired("file")
	_ = cmd.MarkFlagRequired("platform")
	return cmd
}
