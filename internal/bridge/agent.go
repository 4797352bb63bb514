package bridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Config configures one run of the bridge against a single Assistant
// process, generalizing the source's module-level constants and
// environment reads into an explicit struct.
type Config struct {
	WorkspaceDir            string
	AssistantBinary         string // e.g. "codex"; invoked as "<bin> proto"
	AssistantProtoArg       string
	IncludeReasoningInReply bool
	Paths                   Paths
}

// DefaultConfig returns the bridge configuration read from the
// environment, mirroring the source's os.environ.get(...) calls at
// module load time.
func DefaultConfig() Config {
	cfg := Config{
		WorkspaceDir:      envOrDefault("WORKSPACE_DIR", "/app/workspace"),
		AssistantBinary:   envOrDefault("ASSISTANT_BINARY", "codex"),
		AssistantProtoArg: envOrDefault("ASSISTANT_PROTO_ARG", "proto"),
		Paths:             DefaultPaths(),
	}
	if v := os.Getenv("BRIDGE_INCLUDE_REASONING"); v != "" {
		b, err := strconv.ParseBool(v)
		cfg.IncludeReasoningInReply = err == nil && b
	}
	return cfg
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// protoEvent is one line of the Assistant's protocol stream: an id plus a
// typed message body.
type protoEvent struct {
	ID  string          `json:"id"`
	Msg json.RawMessage `json:"msg"`
}

type protoMsg struct {
	Type    string `json:"type"`
	Delta   string `json:"delta"`
	Text    string `json:"text"`
	Message string `json:"message"`
	Label   string `json:"label"`
	Error   string `json:"message_error"`
	Total   struct {
		Input  int `json:"input_tokens"`
		Output int `json:"output_tokens"`
	} `json:"total"`
}

// protoSubmission is the envelope written to the Assistant's stdin for a
// user turn (§6.2).
type protoSubmission struct {
	ID string `json:"id"`
	Op struct {
		Type  string           `json:"type"`
		Items []protoTextItem `json:"items"`
	} `json:"op"`
}

type protoTextItem struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Run launches the Assistant and proxies message files to it until its
// process exits or ctx is cancelled, matching run_agent's orchestration.
func Run(ctx context.Context, cfg Config) error {
	status := NewStatusWriter(cfg.Paths.Status)
	status.Set(StatusInitializing)
	materializeCredentials()

	if err := ensureMessageChannels(cfg.Paths); err != nil {
		status.Set(StatusFailed)
		return fmt.Errorf("bridge: prepare message channels: %w", err)
	}

	agg := NewAggregator(cfg.Paths.Response, cfg.IncludeReasoningInReply)

	cmd := exec.CommandContext(ctx, cfg.AssistantBinary, cfg.AssistantProtoArg)
	cmd.Dir = cfg.WorkspaceDir
	cmd.Env = os.Environ()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		status.Set(StatusFailed)
		return fmt.Errorf("bridge: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		status.Set(StatusFailed)
		return fmt.Errorf("bridge: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		status.Set(StatusFailed)
		return fmt.Errorf("bridge: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		status.Set(StatusFailed)
		return fmt.Errorf("bridge: launch assistant: %w", err)
	}
	log.Printf("assistant started (pid=%d)", cmd.Process.Pid)

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return readEventStream(stdout, agg, status, cfg.Paths.EventLog) })
	group.Go(func() error { return readStderr(stderr) })
	group.Go(func() error { return fifoSubmissionLoop(gctx, cfg.Paths.Incoming, stdin, agg, status) })
	group.Go(func() error { return selfStatsLoop(gctx, cfg.Paths.Health) })

	waitErr := cmd.Wait()
	if waitErr == nil {
		log.Printf("assistant exited cleanly")
		status.Set(StatusShuttingDown)
	} else {
		log.Printf("assistant exited: %v", waitErr)
		status.Set(StatusFailed)
	}

	group.Wait()
	return waitErr
}

func ensureMessageChannels(p Paths) error {
	if err := os.MkdirAll(MessageDir, 0o755); err != nil {
		return err
	}

	if info, err := os.Stat(p.Incoming); err == nil {
		if info.Mode()&os.ModeNamedPipe == 0 {
			os.Remove(p.Incoming)
			if err := syscall.Mkfifo(p.Incoming, 0o600); err != nil {
				return fmt.Errorf("recreate fifo: %w", err)
			}
		}
	} else if os.IsNotExist(err) {
		if err := syscall.Mkfifo(p.Incoming, 0o600); err != nil {
			return fmt.Errorf("create fifo: %w", err)
		}
	}

	for _, path := range []string{p.Response, p.EventLog} {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("touch %s: %w", path, err)
		}
		f.Close()
	}
	return nil
}

// readStderr mirrors the Assistant's stderr into the bridge's own log
// output line by line, matching the source's stream_reader(proc.stderr).
func readStderr(r interface{ Read([]byte) (int, error) }) error {
	scanner := bufio.NewScanner(bufioReaderFrom(r))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		log.Printf("[ASSISTANT STDERR] %s", scanner.Text())
	}
	return scanner.Err()
}

func readEventStream(stdout interface{ Read([]byte) (int, error) }, agg *Aggregator, status *StatusWriter, eventLogPath string) error {
	scanner := bufio.NewScanner(bufioReaderFrom(stdout))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	logFile, err := os.OpenFile(eventLogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer logFile.Close()

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		fmt.Fprintf(logFile, "%s\n", line)

		var ev protoEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			log.Printf("[PROTO] failed to decode event: %s", line)
			continue
		}
		handleEvent(ev, agg, status)
	}
	return scanner.Err()
}

func bufioReaderFrom(r interface{ Read([]byte) (int, error) }) *bufio.Reader {
	if br, ok := r.(*bufio.Reader); ok {
		return br
	}
	return bufio.NewReader(r)
}

func handleEvent(ev protoEvent, agg *Aggregator, status *StatusWriter) {
	var msg protoMsg
	json.Unmarshal(ev.Msg, &msg)
	log.Printf("[PROTO EVENT] %s (%s)", msg.Type, ev.ID)

	switch msg.Type {
	case "session_configured":
		status.Set(StatusAgentReady)
		agg.Clear()
	case "agent_message_delta":
		agg.AppendDelta(ev.ID, msg.Delta)
	case "agent_message":
		agg.FinalizeMessage(ev.ID, msg.Message)
		status.Set(StatusWaiting)
	case "task_started":
		agg.AppendSystemNote(fmt.Sprintf("\n[task_started] %s\n", msg.Label))
		status.Set(StatusProcessing)
	case "task_complete":
		agg.AppendSystemNote("\n[task_complete]\n")
		agg.MarkReady(ev.ID)
		status.Set(StatusWaiting)
	case "error":
		errText := msg.Message
		if errText == "" {
			errText = "unknown error"
		}
		agg.AppendSystemNote(fmt.Sprintf("\n[error] %s\n", errText))
		agg.MarkReady(ev.ID)
		status.Set(StatusFailed)
	case "agent_reasoning_delta", "agent_reasoning", "agent_reasoning_section_break":
		if msg.Type == "agent_reasoning_section_break" {
			agg.AppendReasoning(ev.ID, "\n")
			return
		}
		text := msg.Delta
		if text == "" {
			text = msg.Text
		}
		if text != "" {
			agg.AppendReasoning(ev.ID, text)
		}
	case "user_message":
		// no-op: echo of the broker's own submission
	case "token_count":
		agg.AppendSystemNote(fmt.Sprintf("\n[token_usage] input=%d output=%d\n", msg.Total.Input, msg.Total.Output))
	case "exec_approval_request":
		agg.AppendSystemNote("\n[approval_requested] command pending\n")
		status.Set(StatusProcessing)
	case "stream_error":
		errText := msg.Error
		if errText == "" {
			errText = "stream disconnected"
		}
		agg.AppendSystemNote(fmt.Sprintf("\n[stream_error] %s\n", errText))
		agg.MarkReady(ev.ID)
		status.Set(StatusWaiting)
	}
}

func fifoSubmissionLoop(ctx context.Context, fifoPath string, assistantStdin interface{ Write([]byte) (int, error) }, agg *Aggregator, status *StatusWriter) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line, err := readOneFIFORecord(fifoPath)
		if err != nil {
			continue
		}
		content := bytes.TrimSpace(line)
		if len(content) == 0 {
			continue
		}

		submissionID := uuid.NewString()
		var sub protoSubmission
		sub.ID = submissionID
		sub.Op.Type = "user_input"
		sub.Op.Items = []protoTextItem{{Type: "text", Text: string(content)}}

		payload, err := json.Marshal(sub)
		if err != nil {
			log.Printf("[PROTO] failed to encode submission: %v", err)
			continue
		}

		log.Printf("[PROTO SUBMIT] %s -> %.80q", submissionID, content)
		agg.BeginSubmission(submissionID)
		status.Set(StatusProcessing)

		if _, err := assistantStdin.Write(append(payload, '\n')); err != nil {
			log.Printf("[PROTO] failed to write submission (stdin closed): %v", err)
			return err
		}
	}
}

func readOneFIFORecord(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
