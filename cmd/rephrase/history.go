package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

const previewRunes = 60

func newHistoryCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect the local history of processed text",
	}

	var asJSON bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List saved results, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := root.historyStore()
			if err != nil {
				return err
			}
			entries, err := store.List()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}
			if len(entries) == 0 {
				_, _ = fmt.Fprintln(out, "no history")
				return nil
			}

			dim := color.New(color.Faint)
			bold := color.New(color.Bold)
			for _, e := range entries {
				_, _ = dim.Fprintf(out, "%s  %s  ", e.Timestamp.Local().Format(time.DateTime), e.ID)
				_, _ = bold.Fprintf(out, "%-9s", e.Mode)
				_, _ = fmt.Fprintf(out, "  %s\n", preview(e.OutputText))
			}
			return nil
		},
	}
	list.Flags().BoolVar(&asJSON, "json", false, "print entries as JSON")

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete all saved results",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := root.historyStore()
			if err != nil {
				return err
			}
			if err := store.Clear(); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "history cleared")
			return nil
		},
	}

	cmd.AddCommand(list, clearCmd)
	return cmd
}

// preview flattens s to one line and truncates it.
func preview(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= previewRunes {
		return s
	}
	r := []rune(s)
	return string(r[:previewRunes-3]) + "..."
}
