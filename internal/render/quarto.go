// Package render turns a Quarto source into the plain-text and markup renditions.
package render

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"deckcheck/internal/deck"
	"deckcheck/internal/shared/telemetry"
)

const (
	// DefaultTimeout bounds one quarto invocation.
	DefaultTimeout = 2 * time.Minute
	// slotName is the fixed file name the source is copied to inside a run's work dir.
	slotName = "deck"

	maxStderrBytes = 8 << 10
)

// Quarto renders decks with the quarto CLI.
type Quarto struct {
	Bin     string
	Timeout time.Duration
}

// NewQuarto returns a renderer using bin, or "quarto" from PATH when bin is empty.
func NewQuarto(bin string, timeout time.Duration) *Quarto {
	if strings.TrimSpace(bin) == "" {
		bin = "quarto"
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Quarto{Bin: bin, Timeout: timeout}
}

// Render copies source into workDir and runs
// `quarto render deck<ext> --to markdown,html`. Both renditions must exist
// next to the input afterwards.
func (q *Quarto) Render(ctx context.Context, source deck.Source, workDir string) (deck.RenderedDeck, error) {
	if source.Open == nil {
		return deck.RenderedDeck{}, fmt.Errorf("%w: source has no content", deck.ErrRenderFailure)
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return deck.RenderedDeck{}, fmt.Errorf("create work dir: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(source.Name))
	if ext == "" {
		ext = ".qmd"
	}
	input := filepath.Join(workDir, slotName+ext)
	if err := copySource(ctx, source, input); err != nil {
		return deck.RenderedDeck{}, err
	}

	if err := q.run(ctx, workDir, input); err != nil {
		return deck.RenderedDeck{}, err
	}

	out := deck.RenderedDeck{
		WorkDir:       workDir,
		PlainTextPath: filepath.Join(workDir, slotName+".md"),
		MarkupPath:    filepath.Join(workDir, slotName+".html"),
	}
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		text, err := readRendition(out.PlainTextPath)
		out.PlainText = text
		return err
	})
	g.Go(func() error {
		markup, err := readRendition(out.MarkupPath)
		out.Markup = markup
		return err
	})
	if err := g.Wait(); err != nil {
		return deck.RenderedDeck{}, err
	}
	return out, nil
}

func (q *Quarto) run(ctx context.Context, workDir, input string) error {
	ctx, cancel := context.WithTimeout(ctx, q.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, q.Bin, "render", filepath.Base(input), "--to", "markdown,html")
	cmd.Dir = workDir
	stderr := &boundedBuffer{limit: maxStderrBytes}
	cmd.Stdout = io.Discard
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	fields := map[string]any{
		"bin":         q.Bin,
		"work_dir":    workDir,
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if err == nil {
		telemetry.Info("render.complete", fields)
		return nil
	}

	fields["error"] = err.Error()
	fields["stderr"] = stderr.String()
	telemetry.Error("render.failed", fields)
	switch ctx.Err() {
	case context.DeadlineExceeded:
		return fmt.Errorf("%w: quarto timed out after %s", deck.ErrRenderFailure, q.Timeout)
	case context.Canceled:
		return ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("%w: quarto exited with status %d", deck.ErrRenderFailure, exitErr.ExitCode())
	}
	return fmt.Errorf("%w: %v", deck.ErrRenderFailure, err)
}

func copySource(ctx context.Context, source deck.Source, dst string) error {
	rc, err := source.Open(ctx)
	if err != nil {
		if errors.Is(err, deck.ErrNotFound) {
			return fmt.Errorf("%w: %v", deck.ErrRenderFailure, err)
		}
		return fmt.Errorf("open source: %w", err)
	}
	defer rc.Close()

	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		return fmt.Errorf("copy source: %w", err)
	}
	return f.Close()
}

func readRendition(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: missing rendition %s", deck.ErrRenderFailure, filepath.Base(path))
		}
		return "", err
	}
	return string(data), nil
}

// boundedBuffer keeps the first limit bytes written to it.
type boundedBuffer struct {
	limit     int
	buf       []byte
	truncated bool
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	room := b.limit - len(b.buf)
	if room > 0 {
		if len(p) > room {
			b.buf = append(b.buf, p[:room]...)
			b.truncated = true
		} else {
			b.buf = append(b.buf, p...)
		}
	} else if len(p) > 0 {
		b.truncated = true
	}
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	s := strings.TrimSpace(string(b.buf))
	if b.truncated {
		s += " ...[truncated]"
	}
	return s
}
