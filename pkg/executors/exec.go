package executors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/loomworks/loom/pkg/engine"
)

// KindExec is the step kind handled by ShellExecutor.
const KindExec = "exec"

// ExecParams is the parameter payload for exec steps.
type ExecParams struct {
	// Command is the command to run. Required.
	Command string `json:"command"`

	// Args are passed directly to the command. When empty, Command is
	// run through the shell.
	Args []string `json:"args,omitempty"`

	// Shell is the shell used when Args is empty (default /bin/sh).
	Shell string `json:"shell,omitempty"`

	// WorkDir is the working directory for the command.
	WorkDir string `json:"workdir,omitempty"`

	// Env are additional environment variables for the command.
	Env map[string]string `json:"env,omitempty"`

	// UndoCommand, when set, is recorded as a compensating action so a
	// rollback can undo this step's side effects.
	UndoCommand string `json:"undo_command,omitempty"`
}

// ShellExecutor runs shell commands as plan steps. A step with an
// undo_command parameter records a compensating action on success.
type ShellExecutor struct {
	logger zerolog.Logger
}

// NewShellExecutor creates a shell command executor.
func NewShellExecutor(logger zerolog.Logger) *ShellExecutor {
	return &ShellExecutor{
		logger: logger.With().Str("component", "exec-executor").Logger(),
	}
}

// Kind returns the step kind this executor handles.
func (e *ShellExecutor) Kind() string {
	return KindExec
}

// Execute runs the step's command and reports the attempt outcome.
func (e *ShellExecutor) Execute(ctx context.Context, step *engine.Step, ec *engine.ExecutionContext) (*engine.StepResult, error) {
	var p ExecParams
	if err := json.Unmarshal(step.Parameters, &p); err != nil {
		return &engine.StepResult{
			StepID:       step.ID,
			NonRetryable: true,
			Error: engine.NewPermanentError("invalid exec parameters", err).
				WithCode(engine.ErrCodeValidation).WithStep(step.ID),
		}, nil
	}
	if p.Command == "" {
		return &engine.StepResult{
			StepID:       step.ID,
			NonRetryable: true,
			Error: engine.NewPermanentError("exec step requires a command", nil).
				WithCode(engine.ErrCodeValidation).WithStep(step.ID),
		}, nil
	}

	if ec.DryRun {
		return &engine.StepResult{
			StepID:  step.ID,
			Success: true,
			Output:  fmt.Sprintf("dry-run: %s", p.Command),
		}, nil
	}

	start := time.Now()
	stdout, stderr, err := runCommand(ctx, &p)
	result := &engine.StepResult{
		StepID:   step.ID,
		Output:   strings.TrimSpace(stdout),
		Duration: time.Since(start),
	}

	if err != nil {
		if ctx.Err() != nil {
			// Let the dispatcher classify the timeout or cancellation.
			return nil, ctx.Err()
		}
		msg := err.Error()
		if s := strings.TrimSpace(stderr); s != "" {
			msg = fmt.Sprintf("%s: %s", msg, lastLine(s))
		}
		e.logger.Debug().Str("step_id", step.ID).Str("error", msg).Msg("command failed")
		result.Error = engine.NewPermanentError(msg, err).
			WithCode(engine.ErrCodeExecutorFailed).WithStep(step.ID)
		return result, nil
	}

	result.Success = true
	if p.UndoCommand != "" {
		undo := ExecParams{
			Command: p.UndoCommand,
			Shell:   p.Shell,
			WorkDir: p.WorkDir,
			Env:     p.Env,
		}
		payload, merr := json.Marshal(undo)
		if merr != nil {
			return nil, fmt.Errorf("marshal undo parameters: %w", merr)
		}
		result.SideEffects = []engine.CompensatingAction{{
			StepID:      step.ID,
			Kind:        KindExec,
			Parameters:  payload,
			Description: fmt.Sprintf("run undo command for step %s", step.ID),
			RecordedAt:  time.Now().UTC(),
		}}
	}
	return result, nil
}

// ExecCompensator undoes exec steps by running their recorded undo
// command.
type ExecCompensator struct {
	logger zerolog.Logger
}

// NewExecCompensator creates a compensation handler for exec actions.
func NewExecCompensator(logger zerolog.Logger) *ExecCompensator {
	return &ExecCompensator{
		logger: logger.With().Str("component", "exec-compensator").Logger(),
	}
}

// Kind returns the action kind this handler compensates.
func (c *ExecCompensator) Kind() string {
	return KindExec
}

// Compensate runs the undo command recorded for the action.
func (c *ExecCompensator) Compensate(ctx context.Context, action engine.CompensatingAction) error {
	var p ExecParams
	if err := json.Unmarshal(action.Parameters, &p); err != nil {
		return fmt.Errorf("invalid undo parameters for step %s: %w", action.StepID, err)
	}
	if p.Command == "" {
		return fmt.Errorf("undo action for step %s has no command", action.StepID)
	}

	c.logger.Info().Str("step_id", action.StepID).Str("command", p.Command).Msg("running undo command")
	_, stderr, err := runCommand(ctx, &p)
	if err != nil {
		if s := strings.TrimSpace(stderr); s != "" {
			return fmt.Errorf("undo command for step %s failed: %w: %s", action.StepID, err, lastLine(s))
		}
		return fmt.Errorf("undo command for step %s failed: %w", action.StepID, err)
	}
	return nil
}

// runCommand executes the command described by the parameters and
// captures its output.
func runCommand(ctx context.Context, p *ExecParams) (stdout, stderr string, err error) {
	shell := p.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	var cmd *exec.Cmd
	if len(p.Args) > 0 {
		cmd = exec.CommandContext(ctx, p.Command, p.Args...)
	} else {
		cmd = exec.CommandContext(ctx, shell, "-c", p.Command)
	}

	if p.WorkDir != "" {
		cmd.Dir = p.WorkDir
	}
	if len(p.Env) > 0 {
		env := os.Environ()
		for k, v := range p.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	err = cmd.Run()
	return outBuf.String(), errBuf.String(), err
}

// lastLine returns the final non-empty line of s, keeping error
// messages short when a command dumps a long stderr.
func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
