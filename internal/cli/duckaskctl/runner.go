package duckaskctl

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type Options struct {
	BaseURL    string
	APIKey     string
	UserID     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Stdout     io.Writer
	Stderr     io.Writer
}

// errUsage marks failures that exit with status 2.
var errUsage = errors.New("usage error")

type httpError struct {
	status int
	body   string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("http %d: %s", e.status, e.body)
}

// Run executes the command line and returns the process exit code:
// 0 on success, 1 on request or HTTP failure, 2 on usage errors.
func Run(ctx context.Context, args []string, defaults Options) int {
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	if args == nil {
		// cobra falls back to os.Args for a nil slice.
		args = []string{}
	}
	cmd := NewCommand(defaults)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}

	var httpErr *httpError
	switch {
	case errors.As(err, &httpErr):
		_, _ = fmt.Fprintln(stderr, httpErr.Error())
		return 1
	case errors.Is(err, errUsage):
		_, _ = fmt.Fprintf(stderr, "%v\n\n", err)
		_, _ = fmt.Fprint(stderr, cmd.UsageString())
		return 2
	default:
		var requestErr *requestError
		if errors.As(err, &requestErr) {
			_, _ = fmt.Fprintf(stderr, "request failed: %v\n", requestErr.err)
			return 1
		}
		// Flag and argument errors reported by cobra.
		_, _ = fmt.Fprintf(stderr, "%v\n", err)
		return 2
	}
}

type requestError struct {
	err error
}

func (e *requestError) Error() string { return e.err.Error() }
func (e *requestError) Unwrap() error { return e.err }

type client struct {
	baseURL string
	apiKey  string
	userID  string
	http    *http.Client
	stdout  io.Writer
}

// NewCommand builds the duckaskctl command tree.
func NewCommand(defaults Options) *cobra.Command {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	var (
		baseURL string
		apiKey  string
		userID  string
		timeout time.Duration
	)
	newClient := func() *client {
		httpClient := defaults.HTTPClient
		if httpClient == nil {
			httpClient = &http.Client{Timeout: timeout}
		}
		return &client{
			baseURL: strings.TrimRight(baseURL, "/"),
			apiKey:  strings.TrimSpace(apiKey),
			userID:  strings.TrimSpace(userID),
			http:    httpClient,
			stdout:  stdout,
		}
	}

	root := &cobra.Command{
		Use:           "duckaskctl",
		Short:         "Operate a duckask API server",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return fmt.Errorf("%w: a command is required", errUsage)
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&baseURL, "base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8080"), "duckask API base URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", defaults.APIKey, "API key for authenticated requests")
	root.PersistentFlags().StringVar(&userID, "user-id", defaults.UserID, "User ID header (used when auth is disabled)")
	root.PersistentFlags().DurationVar(&timeout, "timeout", durationOr(defaults.Timeout, 2*time.Minute), "HTTP timeout (e.g. 30s)")

	root.AddCommand(
		simpleCommand("health", "Check liveness", http.MethodGet, "/v1/health", newClient),
		simpleCommand("ready", "Check readiness", http.MethodGet, "/v1/ready", newClient),
		newAskCommand(newClient),
		newMetadataCommand(newClient),
	)
	return root
}

func simpleCommand(use, short, method, path string, newClient func() *client) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return newClient().call(cmd.Context(), method, path, nil)
		},
	}
}

func newMetadataCommand(newClient func() *client) *cobra.Command {
	metadata := &cobra.Command{
		Use:   "metadata",
		Short: "Inspect and manage the metadata snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return fmt.Errorf("%w: metadata requires a subcommand (status, refresh, publish)", errUsage)
		},
	}
	metadata.AddCommand(
		simpleCommand("status", "Show the cached snapshot", http.MethodGet, "/v1/metadata", newClient),
		simpleCommand("refresh", "Re-read the published snapshot", http.MethodPost, "/v1/metadata/refresh", newClient),
		simpleCommand("publish", "Publish a new snapshot now", http.MethodPost, "/v1/metadata/publish", newClient),
	)
	return metadata
}

type askPayload struct {
	Message      string            `json:"message"`
	ContextTurns []json.RawMessage `json:"context_turns,omitempty"`
}

func newAskCommand(newClient func() *client) *cobra.Command {
	var (
		contextFile string
		stream      bool
	)
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask a question about the warehouse data",
		Long: `Ask a question about the warehouse data.

Examples:
  duckaskctl ask "How many events happened yesterday?"
  duckaskctl ask --stream "Top 5 countries by revenue"
  duckaskctl ask --context-file turns.json "Now only for Germany"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := askPayload{Message: strings.TrimSpace(strings.Join(args, " "))}
			if payload.Message == "" {
				return fmt.Errorf("%w: question must not be empty", errUsage)
			}
			if contextFile != "" {
				raw, err := os.ReadFile(contextFile)
				if err != nil {
					return fmt.Errorf("%w: read context file: %v", errUsage, err)
				}
				if err := json.Unmarshal(raw, &payload.ContextTurns); err != nil {
					return fmt.Errorf("%w: context file must hold a JSON array of turns: %v", errUsage, err)
				}
			}
			body, err := json.Marshal(payload)
			if err != nil {
				return err
			}
			c := newClient()
			if stream {
				return c.stream(cmd.Context(), "/v1/ask", body)
			}
			return c.call(cmd.Context(), http.MethodPost, "/v1/ask", body)
		},
	}
	cmd.Flags().StringVar(&contextFile, "context-file", "", "JSON file with prior turns, most recent first")
	cmd.Flags().BoolVar(&stream, "stream", false, "print progress events as they arrive")
	return cmd
}

func (c *client) newRequest(ctx context.Context, method, path string, body []byte, accept string) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", accept)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	if c.userID != "" {
		req.Header.Set("X-User-ID", c.userID)
	}
	return req, nil
}

func (c *client) call(ctx context.Context, method, path string, body []byte) error {
	req, err := c.newRequest(ctx, method, path, body, "application/json")
	if err != nil {
		return &requestError{err: err}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &requestError{err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &requestError{err: err}
	}
	if resp.StatusCode >= 400 {
		return &httpError{status: resp.StatusCode, body: strings.TrimSpace(string(responseBody))}
	}

	if pretty, ok := prettyJSON(responseBody); ok {
		_, _ = fmt.Fprintln(c.stdout, pretty)
		return nil
	}
	if len(responseBody) > 0 {
		_, _ = fmt.Fprintln(c.stdout, string(responseBody))
	}
	return nil
}

// stream prints one line per progress event and the pretty-printed result.
func (c *client) stream(ctx context.Context, path string, body []byte) error {
	req, err := c.newRequest(ctx, http.MethodPost, path, body, "text/event-stream")
	if err != nil {
		return &requestError{err: err}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &requestError{err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(resp.Body)
		return &httpError{status: resp.StatusCode, body: strings.TrimSpace(string(raw))}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 8<<20)
	event := ""
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := []byte(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
			if event == "result" {
				if pretty, ok := prettyJSON(data); ok {
					_, _ = fmt.Fprintln(c.stdout, pretty)
				} else {
					_, _ = fmt.Fprintln(c.stdout, string(data))
				}
				continue
			}
			var progress struct {
				Seq     int    `json:"seq"`
				Stage   string `json:"stage"`
				Attempt int    `json:"attempt"`
			}
			if err := json.Unmarshal(data, &progress); err != nil {
				continue
			}
			if progress.Attempt > 0 {
				_, _ = fmt.Fprintf(c.stdout, "[%d] %s (attempt %d)\n", progress.Seq, progress.Stage, progress.Attempt)
			} else {
				_, _ = fmt.Fprintf(c.stdout, "[%d] %s\n", progress.Seq, progress.Stage)
			}
		case line == "":
			event = ""
		}
	}
	if err := scanner.Err(); err != nil {
		return &requestError{err: err}
	}
	return nil
}

func prettyJSON(raw []byte) (string, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", false
	}
	var anyValue any
	if err := json.Unmarshal(raw, &anyValue); err != nil {
		return "", false
	}
	formatted, err := json.MarshalIndent(anyValue, "", "  ")
	if err != nil {
		return "", false
	}
	return string(formatted), true
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
