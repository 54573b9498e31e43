package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/4xmen/goftogoo/internal/docstore"
	"github.com/4xmen/goftogoo/internal/models"
	"github.com/4xmen/goftogoo/internal/moderation"
	"github.com/4xmen/goftogoo/internal/tree"
	"github.com/4xmen/goftogoo/pkg/config"
)

func newModerationCmd(cfg func() *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "moderation",
		Short: "Offline moderation tools",
	}

	var limit int
	var asJSON bool
	history := &cobra.Command{
		Use:   "history <chat-id>",
		Short: "Print a chat's moderation log, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			docs, err := docstore.Open(cfg().DatabasePath)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer docs.Close()

			// the log lives in the document store; the ordered store is not needed
			store := tree.NewMemory()
			defer store.Close()
			mod := moderation.New(moderation.Options{Tree: store, Docs: docs, Tuning: cfg().Tuning})
			defer mod.Close()

			actions, err := mod.AuditLog(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(actions)
			}
			printHistory(cmd.OutOrStdout(), actions)
			return nil
		},
	}
	history.Flags().IntVarP(&limit, "limit", "n", 0, "entries to print (0 uses the configured page size)")
	history.Flags().BoolVarP(&asJSON, "json", "j", false, "print the entries as JSON")
	cmd.AddCommand(history)
	return cmd
}

func printHistory(out io.Writer, actions []models.ModerationAction) {
	if len(actions) == 0 {
		fmt.Fprintln(out, "no moderation actions")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tACTION\tACTOR\tTARGET\tDESCRIPTION")
	for _, a := range actions {
		target := a.TargetName
		if target == "" {
			target = a.TargetUserID
		}
		if target == "" {
			target = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", formatTime(a.Timestamp), a.Kind, a.ActorID, target, a.Description)
	}
	w.Flush()
}
