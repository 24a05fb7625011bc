package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/systmms/camcreds/internal/config"
	"github.com/systmms/camcreds/internal/deprecation"
	dserrors "github.com/systmms/camcreds/internal/errors"
	"gopkg.in/yaml.v3"
)

func NewAdvisoriesCommand(cfg *config.Config) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:     "advisories",
		Aliases: []string{"issues"},
		Short:   "List and manage repair advisories",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			list, err := rt.advisory.List(cmd.Context())
			if err != nil {
				return err
			}
			switch format {
			case "json":
				enc := json.NewEncoder(rt.out)
				enc.SetIndent("", "  ")
				return enc.Encode(list)
			case "yaml":
				return yaml.NewEncoder(rt.out).Encode(list)
			}

			if len(list) == 0 {
				fmt.Fprintln(rt.out, "No open advisories")
				return nil
			}
			w := tabwriter.NewWriter(rt.out, 0, 0, 2, ' ', 0)
			defer w.Flush()
			fmt.Fprintln(w, "ISSUE\tKIND\tSEVERITY\tCREATED\tDETAILS")
			for _, a := range list {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					a.IssueID, a.Kind, a.Severity, a.CreatedAt.Format(time.RFC3339), summarize(a.Placeholders))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "table", "Output format: table, json, yaml")
	cmd.AddCommand(
		newAdvisoryRecordCommand(cfg),
		newAdvisoryAckCommand(cfg),
		newAdvisoryClearCommand(cfg),
	)
	return cmd
}

// summarize renders placeholders on one line, skipping multi-line values.
func summarize(p map[string]string) string {
	keys := make([]string, 0, len(p))
	for k, v := range p {
		if !strings.Contains(v, "\n") {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+p[k])
	}
	return strings.Join(parts, " ")
}

func unknownOperation(op string, err error) error {
	if !errors.Is(err, deprecation.ErrUnknownOperation) {
		return err
	}
	return dserrors.UserError{
		Message:    fmt.Sprintf("Unknown operation %q", op),
		Suggestion: "Known operations: " + strings.Join(deprecation.Operations(), ", "),
		Err:        err,
	}
}

func newAdvisoryRecordCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "record <operation>",
		Short: "Record use of a deprecated operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.advisory.RecordUse(cmd.Context(), args[0]); err != nil {
				return unknownOperation(args[0], err)
			}
			id, _ := deprecation.IssueID(args[0])
			fmt.Fprintf(rt.out, "⚠️  %s is deprecated (advisory %s)\n", args[0], id)
			return nil
		},
	}
}

func newAdvisoryAckCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "ack <operation>",
		Short: "Acknowledge the deprecation advisory of an operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.advisory.Acknowledge(cmd.Context(), args[0]); err != nil {
				return unknownOperation(args[0], err)
			}
			fmt.Fprintf(rt.out, "Acknowledged %s\n", args[0])
			return nil
		},
	}
}

func newAdvisoryClearCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "clear <issue-id>",
		Short: "Delete an advisory by issue id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.advisory.Clear(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(rt.out, "Cleared %s\n", args[0])
			return nil
		},
	}
}
