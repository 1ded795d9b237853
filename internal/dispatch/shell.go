// ABOUTME: Handlers for verbs that are a single control exchange: shell and exit.
// ABOUTME: Saves shell fan-outs as CSV transcripts and provides AwaitReply for transfers.

package dispatch

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"

	"github.com/2389/coven-dispatch/internal/agent"
	"github.com/2389/coven-dispatch/internal/protocol"
)

// ShellOutputFile is the transcript written for each shell fan-out.
const ShellOutputFile = "output.csv"

// ShellHandler sends the command line to the agent and returns its output.
// When OutputDir is set, Finish saves every target's output to
// <OutputDir>/<command-id>/output.csv.
type ShellHandler struct {
	OutputDir string
}

// Handle implements Handler.
func (ShellHandler) Handle(ctx context.Context, s *agent.Session, cmd *Command) Outcome {
	return exchange(ctx, s, cmd)
}

// Finish implements Finisher. Each outcome's Location is set to the transcript.
func (h ShellHandler) Finish(cmd *Command, res *Result) error {
	if h.OutputDir == "" {
		return nil
	}
	path, err := WriteShellTranscript(filepath.Join(h.OutputDir, res.CommandID.String()), res)
	if err != nil {
		return err
	}
	for id, o := range res.Outcomes {
		o.Location = path
		res.Outcomes[id] = o
	}
	return nil
}

// WriteShellTranscript writes res as dir/output.csv with one row per target,
// sorted by agent id: host, status, output. Failed targets carry their reason
// in the output column.
func WriteShellTranscript(dir string, res *Result) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}
	path := filepath.Join(dir, ShellOutputFile)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create shell transcript: %w", err)
	}

	w := csv.NewWriter(f)
	_ = w.Write([]string{"host", "status", "output"})
	for _, id := range res.AgentIDs() {
		o := res.Outcomes[id]
		out := string(o.Payload)
		if o.Status != StatusSuccess {
			out = o.Reason
		}
		_ = w.Write([]string{id, string(o.Status), out})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("write shell transcript: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close shell transcript: %w", err)
	}
	return path, nil
}

// ExitHandler asks the agent to exit and closes the session once it agreed.
type ExitHandler struct{}

// Handle implements Handler.
func (ExitHandler) Handle(ctx context.Context, s *agent.Session, cmd *Command) Outcome {
	out := exchange(ctx, s, cmd)
	if out.Status == StatusSuccess {
		_ = s.Close()
	}
	return out
}

func exchange(ctx context.Context, s *agent.Session, cmd *Command) Outcome {
	f, err := protocol.CommandFrame(cmd.ID, string(cmd.Verb), cmd.Args)
	if err != nil {
		return Failed(err.Error())
	}
	if err := s.Send(f); err != nil {
		return OutcomeFromError(err)
	}

	reply, err := AwaitReply(ctx, s)
	if err != nil {
		return OutcomeFromError(err)
	}
	if reply.Status == protocol.StatusError {
		return Failed(reply.Error)
	}
	return Success(reply.Output)
}

// AwaitReply waits for the agent's reply control message for the in-flight
// command. Stray chunk frames are skipped.
func AwaitReply(ctx context.Context, s *agent.Session) (*protocol.Control, error) {
	for {
		f, err := s.NextFrame(ctx)
		if err != nil {
			return nil, err
		}
		if f.Kind != protocol.KindControl {
			continue
		}
		msg, err := protocol.UnmarshalControl(f.Payload)
		if err != nil {
			return nil, err
		}
		if msg.Type != protocol.TypeReply {
			return nil, fmt.Errorf("unexpected %s message", msg.Type)
		}
		return msg, nil
	}
}
