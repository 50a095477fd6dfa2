package build

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

// cliMaxLineSize bounds a single NDJSON frame from the agent process.
const cliMaxLineSize = 1 << 20

// CLIProvider adapts a coding-agent CLI into an AgentProvider. The agent
// command is run through the shell in the project directory with the prompt
// on stdin, and is expected to write one JSON frame per stdout line:
//
//	{"type":"text-delta","messageId":"m1","text":"..."}
//	{"type":"tool-call","toolCallId":"t1","toolName":"Write","input":{...}}
//	{"type":"tool-result","toolCallId":"t1","output":"..."}
//	{"type":"command-start","command":"npm install"}
//	{"type":"command-end","command":"npm install","output":"...","exitCode":0}
//	{"type":"result","summary":"..."} | {"type":"error","error":"..."}
//
// Lines that do not parse are ignored; agents are free to write progress
// noise to stderr.
type CLIProvider struct {
	name    string
	command string
	logger  *zap.Logger
}

// NewCLIProvider creates a provider named name that runs command.
func NewCLIProvider(name, command string, logger *zap.Logger) *CLIProvider {
	return &CLIProvider{
		name:    name,
		command: command,
		logger:  logger.Named("provider").With(zap.String("provider", name)),
	}
}

func (p *CLIProvider) Name() string { return p.name }

// wireFrame is the agent CLI's stdout line format.
type wireFrame struct {
	Type       string          `json:"type"`
	MessageID  string          `json:"messageId"`
	Text       string          `json:"text"`
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	ToolInput  json.RawMessage `json:"input"`
	Output     string          `json:"output"`
	Command    string          `json:"command"`
	ExitCode   int             `json:"exitCode"`
	Summary    string          `json:"summary"`
	Error      string          `json:"error"`
	Stack      string          `json:"stack"`
}

// Stream spawns the agent command and converts its stdout lines into
// frames. The channel closes when the process exits; a non-zero exit
// without a terminal frame is reported as a FrameError so the executor
// fails the build with the agent's stderr instead of a generic message.
func (p *CLIProvider) Stream(ctx context.Context, prompt string, opts StreamOptions) (<-chan Frame, error) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", p.command)
	cmd.Dir = opts.Cwd
	cmd.Stdin = strings.NewReader(prompt)
	cmd.Env = append(os.Environ(), "SENTRYVIBE_PROJECT_ID="+opts.ProjectID)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("build: stdout pipe: %w", err)
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("build: starting agent %s: %w", p.name, err)
	}

	p.logger.Info("agent process started",
		zap.Int("pid", cmd.Process.Pid),
		zap.String("cwd", opts.Cwd),
	)

	out := make(chan Frame, 64)
	go func() {
		defer close(out)

		terminal := false
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), cliMaxLineSize)
		for scanner.Scan() {
			frame, ok := p.parse(scanner.Bytes())
			if !ok {
				continue
			}
			if frame.Type == FrameResult || frame.Type == FrameError {
				terminal = true
			}
			select {
			case out <- frame:
			case <-ctx.Done():
				_ = cmd.Process.Kill()
				_ = cmd.Wait()
				return
			}
		}

		err := cmd.Wait()
		if err != nil && !terminal {
			out <- Frame{
				Type:  FrameError,
				Err:   fmt.Sprintf("agent %s exited: %v", p.name, err),
				Stack: tail(stderr.String(), 2048),
			}
		}
	}()
	return out, nil
}

// parse converts one stdout line. Unknown types and malformed JSON are
// skipped.
func (p *CLIProvider) parse(line []byte) (Frame, bool) {
	var w wireFrame
	if err := json.Unmarshal(line, &w); err != nil {
		return Frame{}, false
	}

	switch FrameType(w.Type) {
	case FrameTextDelta:
		return Frame{Type: FrameTextDelta, MessageID: w.MessageID, Text: w.Text}, true
	case FrameToolCall:
		return Frame{Type: FrameToolCall, ToolCallID: w.ToolCallID, ToolName: w.ToolName, ToolInput: w.ToolInput}, true
	case FrameToolResult:
		return Frame{Type: FrameToolResult, ToolCallID: w.ToolCallID, ToolOutput: w.Output}, true
	case FrameCommandStart:
		return Frame{Type: FrameCommandStart, Command: w.Command}, true
	case FrameCommandEnd:
		return Frame{Type: FrameCommandEnd, Command: w.Command, Output: w.Output, ExitCode: w.ExitCode}, true
	case FrameResult:
		return Frame{Type: FrameResult, Summary: w.Summary}, true
	case FrameError:
		return Frame{Type: FrameError, Err: w.Error, Stack: w.Stack}, true
	default:
		p.logger.Debug("skipping unknown frame type", zap.String("type", w.Type))
		return Frame{}, false
	}
}

// tail returns the last max bytes of s.
func tail(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}
