package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Runner executes a command in dir and returns its stdout.
type Runner func(ctx context.Context, dir, name string, args ...string) ([]byte, error)

// ExecRunner runs the command with os/exec.
func ExecRunner(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		return out, fmt.Errorf("%s failed: %w\nOutput: %s", name, err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// CLIInvoker drives a command-line coding assistant.
type CLIInvoker struct {
	Binary string
	Run    Runner

	args  func(req *Request) []string
	parse func(out []byte) (string, error)
	// prepare runs before the command, e.g. to write instruction files.
	prepare func(req *Request) error
}

func (c *CLIInvoker) Invoke(ctx context.Context, req *Request) (string, error) {
	if c.prepare != nil {
		if err := c.prepare(req); err != nil {
			return "", err
		}
	}
	run := c.Run
	if run == nil {
		run = ExecRunner
	}
	out, err := run(ctx, req.Agent.WorkingDirectory, c.Binary, c.args(req)...)
	if err != nil {
		return "", err
	}
	return c.parse(out)
}

// NewClaudeInvoker invokes the claude CLI. The conversation continues
// (-c) unless a reset was requested.
func NewClaudeInvoker(binary string) *CLIInvoker {
	return &CLIInvoker{
		Binary: binary,
		args:   claudeArgs,
		parse:  plainOutput,
	}
}

func claudeArgs(req *Request) []string {
	args := []string{"--dangerously-skip-permissions"}
	if req.Agent.Model != "" {
		args = append(args, "--model", req.Agent.Model)
	}
	if req.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", req.SystemPrompt)
	}
	if !req.Reset {
		args = append(args, "-c")
	}
	return append(args, "-p", req.Message)
}

// NewCodexInvoker invokes codex exec. The previous session is resumed unless
// a reset was requested; the system prompt goes into AGENTS.md.
func NewCodexInvoker(binary string) *CLIInvoker {
	return &CLIInvoker{
		Binary:  binary,
		args:    codexArgs,
		parse:   codexOutput,
		prepare: writeAgentsFile,
	}
}

func codexArgs(req *Request) []string {
	args := []string{"exec"}
	if !req.Reset {
		args = append(args, "resume", "--last")
	}
	if req.Agent.Model != "" {
		args = append(args, "--model", req.Agent.Model)
	}
	return append(args, "--skip-git-repo-check", "--dangerously-bypass-approvals-and-sandbox", "--json", req.Message)
}

// codexOutput returns the last agent message of a codex --json stream.
func codexOutput(out []byte) (string, error) {
	var last string
	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var ev struct {
			Type string `json:"type"`
			Item struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"item"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue
		}
		if ev.Type == "item.completed" && ev.Item.Type == "agent_message" {
			last = ev.Item.Text
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read codex output: %w", err)
	}
	if last == "" {
		return "", ErrEmptyResponse
	}
	return last, nil
}

// NewOpencodeInvoker invokes opencode run. Sessions continue unless a reset
// was requested; the system prompt goes into AGENTS.md.
func NewOpencodeInvoker(binary string) *CLIInvoker {
	return &CLIInvoker{
		Binary:  binary,
		args:    opencodeArgs,
		parse:   opencodeOutput,
		prepare: writeAgentsFile,
	}
}

func opencodeArgs(req *Request) []string {
	args := []string{"run", "--format", "json"}
	if req.Agent.Model != "" {
		args = append(args, "--model", req.Agent.Model)
	}
	if !req.Reset {
		args = append(args, "--continue")
	}
	return append(args, req.Message)
}

// opencodeOutput concatenates the text parts of an opencode json stream.
func opencodeOutput(out []byte) (string, error) {
	var b strings.Builder
	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var ev struct {
			Type string `json:"type"`
			Part struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"part"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue
		}
		if ev.Type == "text" && ev.Part.Text != "" {
			b.WriteString(ev.Part.Text)
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read opencode output: %w", err)
	}
	if b.Len() == 0 {
		return "", ErrEmptyResponse
	}
	return b.String(), nil
}

func plainOutput(out []byte) (string, error) {
	return string(out), nil
}

// writeAgentsFile keeps AGENTS.md in the working directory in sync with the
// system prompt.
func writeAgentsFile(req *Request) error {
	if req.SystemPrompt == "" || req.Agent.WorkingDirectory == "" {
		return nil
	}
	path := filepath.Join(req.Agent.WorkingDirectory, "AGENTS.md")
	if existing, err := os.ReadFile(path); err == nil && string(existing) == req.SystemPrompt {
		return nil
	}
	if err := os.WriteFile(path, []byte(req.SystemPrompt), 0644); err != nil {
		return fmt.Errorf("write AGENTS.md: %w", err)
	}
	return nil
}
