package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const version = "0.1.0"

var serverURL string

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tinyloomctl",
		Short: "tinyloom CLI - talk to a running tinyloom queue processor",
		Long: `tinyloomctl is a command-line interface for a tinyloom server.
Output is JSON: indented on a terminal, compact when piped.`,
		Version:      version,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", getDefaultServer(), "tinyloom server URL")

	rootCmd.AddCommand(newSendCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newAgentsCommand())
	rootCmd.AddCommand(newTeamsCommand())
	rootCmd.AddCommand(newSettingsCommand())
	rootCmd.AddCommand(newResponsesCommand())
	rootCmd.AddCommand(newEventsCommand())
	rootCmd.AddCommand(newLogsCommand())
	rootCmd.AddCommand(newChatsCommand())
	return rootCmd
}

func getDefaultServer() string {
	if server := os.Getenv("TINYLOOM_SERVER"); server != "" {
		return server
	}
	if port := os.Getenv("TINYLOOM_API_PORT"); port != "" {
		return "http://localhost:" + port
	}
	return "http://localhost:3001"
}

// --- HTTP client ---

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func newClient() *Client {
	return &Client{
		BaseURL: strings.TrimSuffix(serverURL, "/"),
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(method, path string, params url.Values, data interface{}) ([]byte, error) {
	u := c.BaseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var body io.Reader
	if data != nil {
		jsonData, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal data: %w", err)
		}
		body = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequest(method, u, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if data != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("server error (%d): %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	return respBody, nil
}

func (c *Client) get(path string, params url.Values) ([]byte, error) {
	return c.do(http.MethodGet, path, params, nil)
}

func (c *Client) post(path string, data interface{}) ([]byte, error) {
	return c.do(http.MethodPost, path, nil, data)
}

func (c *Client) put(path string, data interface{}) ([]byte, error) {
	return c.do(http.MethodPut, path, nil, data)
}

// streamSSE reads an SSE stream and prints each event's data field. The
// stream has no client timeout.
func (c *Client) streamSSE(path string, out io.Writer) error {
	client := &http.Client{}
	resp, err := client.Get(c.BaseURL + path)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("server error (%d)", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	event := ""
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = line[7:]
		case strings.HasPrefix(line, "data: "):
			if event != "connected" {
				fmt.Fprintln(out, line[6:])
			}
		}
	}
	return scanner.Err()
}

// outputJSON prints JSON data, indented when stdout is a terminal.
func outputJSON(data []byte) {
	writeJSON(os.Stdout, data, term.IsTerminal(int(os.Stdout.Fd())))
}

func writeJSON(w io.Writer, data []byte, pretty bool) {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		// Not valid JSON, print raw
		fmt.Fprintln(w, string(data))
		return
	}
	enc := json.NewEncoder(w)
	if pretty {
		enc.SetIndent("", "  ")
	}
	enc.Encode(v)
}

// --- Commands ---

func newSendCommand() *cobra.Command {
	var (
		agent   string
		sender  string
		channel string
	)
	cmd := &cobra.Command{
		Use:   "send <message>",
		Short: "Enqueue a message",
		Args:  cobra.MinimumNArgs(1),
		Example: `  tinyloomctl send "@coder fix the failing test"
  tinyloomctl send --agent reviewer "look at PR 12"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]interface{}{"message": strings.Join(args, " ")}
			if agent != "" {
				body["agent"] = agent
			}
			if sender != "" {
				body["sender"] = sender
			}
			if channel != "" {
				body["channel"] = channel
			}
			data, err := newClient().post("/api/message", body)
			if err != nil {
				return err
			}
			outputJSON(data)
			return nil
		},
	}
	cmd.Flags().StringVarP(&agent, "agent", "a", "", "Pre-route to this agent id")
	cmd.Flags().StringVar(&sender, "sender", "", "Sender name (default: Web)")
	cmd.Flags().StringVar(&channel, "channel", "", "Channel name (default: web)")
	return cmd
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue status",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newClient().get("/api/queue/status", nil)
			if err != nil {
				return err
			}
			outputJSON(data)
			return nil
		},
	}
}

// newGetCommand builds a command that prints one GET endpoint.
func newGetCommand(use, short, path string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newClient().get(path, nil)
			if err != nil {
				return err
			}
			outputJSON(data)
			return nil
		},
	}
}

func newAgentsCommand() *cobra.Command {
	return newGetCommand("agents", "List configured agents", "/api/agents")
}

func newTeamsCommand() *cobra.Command {
	return newGetCommand("teams", "List configured teams", "/api/teams")
}

func newChatsCommand() *cobra.Command {
	return newGetCommand("chats", "List saved team conversation transcripts", "/api/chats")
}

func newSettingsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Read or update the settings file",
	}
	cmd.AddCommand(newGetCommand("get", "Print the settings document", "/api/settings"))

	cmd.AddCommand(&cobra.Command{
		Use:   "set <key> <json-value>",
		Short: "Replace one top-level settings key",
		Args:  cobra.ExactArgs(2),
		Example: `  tinyloomctl settings set teams '{"dev":{"name":"Dev","agents":["a","b"],"leader_agent":"a"}}'
  tinyloomctl settings set workspace '{"path":"/srv/agents"}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var value json.RawMessage
			if err := json.Unmarshal([]byte(args[1]), &value); err != nil {
				return fmt.Errorf("value must be JSON: %w", err)
			}
			data, err := newClient().put("/api/settings", map[string]json.RawMessage{args[0]: value})
			if err != nil {
				return err
			}
			outputJSON(data)
			return nil
		},
	})
	return cmd
}

func newResponsesCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "responses",
		Short: "Show the newest outgoing responses",
		RunE: func(cmd *cobra.Command, args []string) error {
			params := url.Values{}
			params.Set("limit", strconv.Itoa(limit))
			data, err := newClient().get("/api/responses", params)
			if err != nil {
				return err
			}
			outputJSON(data)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of responses")
	return cmd
}

func newEventsCommand() *cobra.Command {
	var (
		since  int64
		limit  int
		follow bool
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent events, or follow the live stream",
		Example: `  tinyloomctl events --limit 10
  tinyloomctl events --follow`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			if follow {
				return client.streamSSE("/api/events/stream", cmd.OutOrStdout())
			}
			params := url.Values{}
			params.Set("limit", strconv.Itoa(limit))
			if since > 0 {
				params.Set("since", strconv.FormatInt(since, 10))
			}
			data, err := client.get("/api/events", params)
			if err != nil {
				return err
			}
			outputJSON(data)
			return nil
		},
	}
	cmd.Flags().Int64Var(&since, "since", 0, "Only events after this unix-millisecond timestamp")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum number of events")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Stream events as they happen")
	return cmd
}

func newLogsCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the tail of the queue log",
		RunE: func(cmd *cobra.Command, args []string) error {
			params := url.Values{}
			params.Set("limit", strconv.Itoa(limit))
			data, err := newClient().get("/api/logs", params)
			if err != nil {
				return err
			}
			var resp struct {
				Lines []string `json:"lines"`
			}
			if err := json.Unmarshal(data, &resp); err != nil {
				return fmt.Errorf("unexpected response: %w", err)
			}
			for _, line := range resp.Lines {
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "Number of lines")
	return cmd
}
