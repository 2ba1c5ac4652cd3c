package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/teilomillet/rephrase/client"
	"github.com/teilomillet/rephrase/history"
)

type processOptions struct {
	server    string
	apiKey    string
	mode      string
	tone      string
	level     int
	model     string
	structure string
	noHistory bool
}

func newProcessCmd(root *rootOptions) *cobra.Command {
	opts := &processOptions{}

	cmd := &cobra.Command{
		Use:   "process [file|-]",
		Short: "Summarize or rewrite text and stream the result",
		Long: `Send text to a rephrase server and print the output as it streams in.
Text is read from the named file, or from stdin when the argument is "-" or
omitted. Completed results are saved to the local history.

  rephrase process --mode summarize --level 2 notes.txt
  cat draft.md | rephrase process --mode rewrite --tone formal`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProcess(cmd, root, opts, args)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.server, "server", envOr("REPHRASE_SERVER", "http://localhost:8080"), "server base URL")
	f.StringVar(&opts.apiKey, "api-key", os.Getenv("REPHRASE_API_KEY"), "API key sent as X-API-Key")
	f.StringVarP(&opts.mode, "mode", "m", "", "summarize or rewrite")
	f.StringVarP(&opts.tone, "tone", "t", "", "rewrite tone: formal, casual or creative")
	f.IntVarP(&opts.level, "level", "l", 0, "summary length level, 1 (shortest) to 5")
	f.StringVar(&opts.model, "model", "", "model name (server default when empty)")
	f.StringVar(&opts.structure, "structure", "", "prompt structure: system-heavy or user-heavy")
	f.BoolVar(&opts.noHistory, "no-history", false, "do not save the result to history")
	_ = cmd.MarkFlagRequired("mode")

	return cmd
}

func runProcess(cmd *cobra.Command, root *rootOptions, opts *processOptions, args []string) error {
	text, err := readInput(cmd.InOrStdin(), args)
	if err != nil {
		return err
	}

	req := client.ProcessRequest{
		Text:               text,
		Mode:               opts.mode,
		Tone:               opts.tone,
		SummaryLengthLevel: opts.level,
		Model:              opts.model,
		PromptStructure:    opts.structure,
	}

	out := cmd.OutOrStdout()
	c := client.New(opts.server, client.WithAPIKey(opts.apiKey))
	res, err := c.Process(cmd.Context(), req, func(u client.Update) {
		_, _ = io.WriteString(out, u.Fragment)
	})
	if res != nil && res.Text != "" && !strings.HasSuffix(res.Text, "\n") {
		_, _ = fmt.Fprintln(out)
	}
	if err != nil {
		return err
	}

	if opts.noHistory {
		return nil
	}
	store, err := root.historyStore()
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	if _, err := store.Append(history.Entry{
		InputText:  text,
		OutputText: res.Text,
		Mode:       req.Mode,
		Options:    entryOptions(req, res),
	}); err != nil {
		return fmt.Errorf("save history: %w", err)
	}
	return nil
}

// entryOptions records the options that applied to the request's mode.
func entryOptions(req client.ProcessRequest, res *client.Result) map[string]interface{} {
	o := map[string]interface{}{}
	switch req.Mode {
	case "summarize":
		o["summaryLengthLevel"] = req.SummaryLengthLevel
	case "rewrite":
		o["tone"] = req.Tone
	}
	if res.Model != "" {
		o["model"] = res.Model
	}
	if req.PromptStructure != "" {
		o["promptStructure"] = req.PromptStructure
	}
	return o
}

func readInput(stdin io.Reader, args []string) (string, error) {
	var r io.Reader = stdin
	if len(args) > 0 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return "", fmt.Errorf("open input: %w", err)
		}
		defer f.Close()
		r = f
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read input: %w", err)
	}
	return string(data), nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
