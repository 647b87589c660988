package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/grainhouse/grainhouse/internal/scheduler"
)

// execAnalyzer shells out to an external analysis command for each sample,
// passing the absolute sample path as the final argument. The command's
// non-zero exit becomes the job's failure message.
type execAnalyzer struct {
	command string
	args    []string
	timeout time.Duration
}

func newExecAnalyzer(command string, timeout time.Duration) *execAnalyzer {
	parts := strings.Fields(command)
	return &execAnalyzer{
		command: parts[0],
		args:    parts[1:],
		timeout: timeout,
	}
}

func (a *execAnalyzer) Analyze(ctx context.Context, job scheduler.ClaimedJob) error {
	samplePath := filepath.Join(job.SourceRoot, filepath.FromSlash(job.RelativePath))
	if _, err := os.Stat(samplePath); err != nil {
		return fmt.Errorf("sample file unavailable: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	args := append(append([]string{}, a.args...), samplePath)
	cmd := exec.CommandContext(ctx, a.command, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		msg := strings.TrimSpace(string(out))
		if len(msg) > 500 {
			msg = msg[:500]
		}
		if msg == "" {
			return fmt.Errorf("analyzer command failed: %w", err)
		}
		return fmt.Errorf("analyzer command failed: %w: %s", err, msg)
	}
	return nil
}

// probeAnalyzer is the fallback when no external analyzer is configured: it
// verifies the sample is present and readable so the pipeline stays
// exercisable end to end.
type probeAnalyzer struct{}

func (probeAnalyzer) Analyze(_ context.Context, job scheduler.ClaimedJob) error {
	samplePath := filepath.Join(job.SourceRoot, filepath.FromSlash(job.RelativePath))
	f, err := os.Open(samplePath)
	if err != nil {
		return fmt.Errorf("sample file unavailable: %w", err)
	}
	defer f.Close()

	buf := make([]byte, 12)
	if _, err := f.Read(buf); err != nil {
		return fmt.Errorf("failed to read sample header: %w", err)
	}
	return nil
}
