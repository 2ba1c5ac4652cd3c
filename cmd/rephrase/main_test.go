package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teilomillet/rephrase/client"
	"github.com/teilomillet/rephrase/errors"
	"github.com/teilomillet/rephrase/history"
)

func init() {
	color.NoColor = true
}

type result struct {
	stdout string
	stderr string
	err    error
}

func execute(t *testing.T, stdin string, args ...string) result {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	err := cmd.Execute()
	return result{stdout: stdout.String(), stderr: stderr.String(), err: err}
}

// fakeServer streams fragments for every request and records the last body.
func fakeServer(t *testing.T, fragments []string, trailerCode string) (*httptest.Server, *client.ProcessRequest) {
	t.Helper()
	got := &client.ProcessRequest{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(got))
		w.Header().Set("Trailer", client.HeaderStreamErrorCode+", "+client.HeaderStreamError)
		w.Header().Set(client.HeaderModel, "gpt-4o-mini")
		w.Header().Set(client.HeaderRequestID, "req-42")
		for _, f := range fragments {
			_, _ = io.WriteString(w, f)
			w.(http.Flusher).Flush()
		}
		if trailerCode != "" {
			w.Header().Set(client.HeaderStreamErrorCode, trailerCode)
			w.Header().Set(client.HeaderStreamError, "upstream went away")
		}
	}))
	t.Cleanup(ts.Close)
	return ts, got
}

func TestRootHelp(t *testing.T) {
	res := execute(t, "", "--help")
	require.NoError(t, res.err)
	for _, sub := range []string{"serve", "process", "history", "config", "version"} {
		assert.Contains(t, res.stdout, sub)
	}
}

func TestVersion(t *testing.T) {
	res := execute(t, "", "version")
	require.NoError(t, res.err)
	assert.Equal(t, "rephrase "+Version+"\n", res.stdout)
}

func TestProcess_StreamsAndSavesHistory(t *testing.T) {
	ts, got := fakeServer(t, []string{"Hello", ", ", "world"}, "")
	dir := t.TempDir()
	input := filepath.Join(dir, "input.txt")
	require.NoError(t, os.WriteFile(input, []byte("A long paragraph about greetings."), 0o600))
	historyFile := filepath.Join(dir, "history.json")

	res := execute(t, "", "process",
		"--server", ts.URL,
		"--history-file", historyFile,
		"--mode", "summarize", "--level", "2",
		input)
	require.NoError(t, res.err)
	assert.Equal(t, "Hello, world\n", res.stdout)

	assert.Equal(t, client.ProcessRequest{
		Text:               "A long paragraph about greetings.",
		Mode:               "summarize",
		SummaryLengthLevel: 2,
	}, *got)

	entries, err := history.NewStore(historyFile, 0).List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Hello, world", entries[0].OutputText)
	assert.Equal(t, "summarize", entries[0].Mode)
	assert.Equal(t, map[string]interface{}{
		"summaryLengthLevel": float64(2),
		"model":              "gpt-4o-mini",
	}, entries[0].Options)
}

func TestProcess_StdinWithoutHistory(t *testing.T) {
	ts, got := fakeServer(t, []string{"Dear sir,\n"}, "")
	historyFile := filepath.Join(t.TempDir(), "history.json")

	res := execute(t, "hey, what's up with the report", "process",
		"--server", ts.URL,
		"--history-file", historyFile,
		"--no-history",
		"-m", "rewrite", "-t", "formal", "--structure", "user-heavy",
		"-")
	require.NoError(t, res.err)
	assert.Equal(t, "Dear sir,\n", res.stdout, "no extra newline after a trailing one")
	assert.Equal(t, "formal", got.Tone)
	assert.Equal(t, "user-heavy", got.PromptStructure)
	assert.Equal(t, "hey, what's up with the report", got.Text)

	_, err := os.Stat(historyFile)
	assert.True(t, os.IsNotExist(err))
}

func TestProcess_RequiresMode(t *testing.T) {
	res := execute(t, "text", "process", "--server", "http://127.0.0.1:1")
	require.Error(t, res.err)
	assert.Contains(t, res.err.Error(), `"mode"`)
}

func TestProcess_APIError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errors.WriteError(w, errors.NewValidationError("req-7", errors.CodeTextTooShort,
			"Text must be at least 10 characters", nil))
	}))
	defer ts.Close()
	historyFile := filepath.Join(t.TempDir(), "history.json")

	res := execute(t, "short", "process", "--server", ts.URL, "--history-file", historyFile, "-m", "summarize", "-l", "1")
	require.Error(t, res.err)

	var apiErr *client.APIError
	require.True(t, errors.As(res.err, &apiErr))
	assert.Equal(t, errors.CodeTextTooShort, apiErr.Code)
	assert.Empty(t, res.stdout)

	var buf bytes.Buffer
	printError(&buf, res.err)
	assert.Contains(t, buf.String(), "TEXT_TOO_SHORT: Text must be at least 10 characters")
	assert.Contains(t, buf.String(), "request id: req-7")
	assert.NotContains(t, buf.String(), "try again later")

	_, err := os.Stat(historyFile)
	assert.True(t, os.IsNotExist(err))
}

func TestProcess_MidStreamErrorKeepsPartialOutput(t *testing.T) {
	ts, _ := fakeServer(t, []string{"Partial"}, string(errors.CodeAIServiceUnavailable))
	historyFile := filepath.Join(t.TempDir(), "history.json")

	res := execute(t, "some input text", "process", "--server", ts.URL, "--history-file", historyFile, "-m", "rewrite", "-t", "casual")
	require.Error(t, res.err)
	assert.Equal(t, "Partial\n", res.stdout)

	var apiErr *client.APIError
	require.True(t, errors.As(res.err, &apiErr))
	assert.True(t, apiErr.MidStream)

	var buf bytes.Buffer
	printError(&buf, res.err)
	assert.Contains(t, buf.String(), "AI_SERVICE_UNAVAILABLE: upstream went away")
	assert.Contains(t, buf.String(), "try again later")

	_, err := os.Stat(historyFile)
	assert.True(t, os.IsNotExist(err), "incomplete results are not saved")
}

func TestProcess_MissingFile(t *testing.T) {
	res := execute(t, "", "process", "-m", "summarize", filepath.Join(t.TempDir(), "nope.txt"))
	require.Error(t, res.err)
	assert.Contains(t, res.err.Error(), "open input")
}

func TestHistory_ListAndClear(t *testing.T) {
	historyFile := filepath.Join(t.TempDir(), "history.json")
	store := history.NewStore(historyFile, 0)
	_, err := store.Append(history.Entry{Mode: "summarize", OutputText: "first result"})
	require.NoError(t, err)
	_, err = store.Append(history.Entry{Mode: "rewrite", OutputText: strings.Repeat("word ", 30)})
	require.NoError(t, err)

	res := execute(t, "", "history", "list", "--history-file", historyFile)
	require.NoError(t, res.err)
	lines := strings.Split(strings.TrimSpace(res.stdout), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "rewrite")
	assert.True(t, strings.HasSuffix(lines[0], "..."))
	assert.Contains(t, lines[1], "first result")

	res = execute(t, "", "history", "list", "--json", "--history-file", historyFile)
	require.NoError(t, res.err)
	var entries []history.Entry
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &entries))
	assert.Len(t, entries, 2)

	res = execute(t, "", "history", "clear", "--history-file", historyFile)
	require.NoError(t, res.err)
	assert.Equal(t, "history cleared\n", res.stdout)

	res = execute(t, "", "history", "list", "--history-file", historyFile)
	require.NoError(t, res.err)
	assert.Equal(t, "no history\n", res.stdout)
}

func TestHistory_PathFromConfig(t *testing.T) {
	dir := t.TempDir()
	historyFile := filepath.Join(dir, "from-config.json")
	cfgPath := filepath.Join(dir, "rephrase.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
history:
  path: `+historyFile+`
  max_entries: 1
`), 0o600))

	opts := &rootOptions{configPath: cfgPath}
	store, err := opts.historyStore()
	require.NoError(t, err)
	assert.Equal(t, historyFile, store.Path())

	for i := 0; i < 3; i++ {
		_, err := store.Append(history.Entry{Mode: "rewrite"})
		require.NoError(t, err)
	}
	entries, err := store.List()
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	opts.historyFile = filepath.Join(dir, "flag.json")
	store, err = opts.historyStore()
	require.NoError(t, err)
	assert.Equal(t, opts.historyFile, store.Path(), "the flag wins over the config file")
}

func TestConfigValidate(t *testing.T) {
	dir := t.TempDir()
	valid := filepath.Join(dir, "valid.yaml")
	require.NoError(t, os.WriteFile(valid, []byte(`
server:
  port: 9090
  environment: development
`), 0o600))

	res := execute(t, "", "config", "validate", valid)
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, "is valid")
	assert.Contains(t, res.stdout, "port: 9090")
	assert.Contains(t, res.stdout, "environment: development")

	res = execute(t, "", "--config", valid, "config", "validate")
	require.NoError(t, res.err)

	invalid := filepath.Join(dir, "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte(`
server:
  environment: staging
`), 0o600))
	res = execute(t, "", "config", "validate", invalid)
	require.Error(t, res.err)
	assert.Contains(t, res.err.Error(), "invalid environment")
}

func TestPrintError_Plain(t *testing.T) {
	var buf bytes.Buffer
	printError(&buf, io.ErrUnexpectedEOF)
	assert.Equal(t, "error: unexpected EOF\n", buf.String())
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "one two", preview("  one\n\ttwo "))
	long := strings.Repeat("é", 100)
	p := preview(long)
	assert.Equal(t, previewRunes, len([]rune(p)))
	assert.True(t, strings.HasSuffix(p, "..."))
}
