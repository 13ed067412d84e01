package scorer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Paraphraser rewrites a feature into a medical description.
type Paraphraser interface {
	Paraphrase(ctx context.Context, name, value string) (string, error)
}

// CommandParaphraser runs an external text generator once per feature. The
// feature is written to its stdin as "name value"; the first non-empty line
// of stdout is the description.
type CommandParaphraser struct {
	Binary  string
	Args    []string
	Timeout time.Duration
	limiter *rate.Limiter
}

// NewCommandParaphraser parses command ("binary arg...") and throttles calls
// to rps per second.
func NewCommandParaphraser(command string, rps float64) (*CommandParaphraser, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, errors.New("empty paraphrase command")
	}
	bin, err := FindBinary(fields[0])
	if err != nil {
		return nil, err
	}
	if rps <= 0 {
		rps = 1
	}
	return &CommandParaphraser{
		Binary:  bin,
		Args:    fields[1:],
		Timeout: 30 * time.Second,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
	}, nil
}

func (p *CommandParaphraser) Paraphrase(ctx context.Context, name, value string) (string, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.Binary, p.Args...)
	cmd.Env = filterEnv(os.Environ())
	cmd.Stdin = strings.NewReader(strings.TrimSpace(name+" "+value) + "\n")
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	stderr := cappedBuffer{limit: 4 * 1024}
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("running %s: %w (stderr: %s)", filepath.Base(p.Binary), err, strings.TrimSpace(stderr.String()))
	}
	for _, line := range strings.Split(stdout.String(), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line, nil
		}
	}
	return "", fmt.Errorf("%s produced no output", filepath.Base(p.Binary))
}

// FindBinary locates a generator binary.
// Search order: path as given, PATH lookup, ~/.local/bin/<name>
func FindBinary(name string) (string, error) {
	if strings.ContainsRune(name, filepath.Separator) {
		if _, err := os.Stat(name); err == nil {
			return name, nil
		}
		return "", fmt.Errorf("paraphrase binary %s not found", name)
	}

	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err == nil {
		local := filepath.Join(home, ".local", "bin", name)
		if _, err := os.Stat(local); err == nil {
			return local, nil
		}
	}

	return "", fmt.Errorf("paraphrase binary %s not found: set PARAPHRASE_COMMAND to a full path or add it to PATH", name)
}

// filterEnv drops credentials of the marker's own stores from the
// generator's environment.
func filterEnv(env []string) []string {
	filtered := make([]string, 0, len(env))
	for _, e := range env {
		key := e
		if idx := strings.IndexByte(e, '='); idx >= 0 {
			key = e[:idx]
		}
		if key == "DATABASE_DSN" || key == "REDIS_ADDR" || strings.HasPrefix(key, "PG") {
			continue
		}
		filtered = append(filtered, e)
	}
	return filtered
}

// cappedBuffer is a bytes.Buffer that stops writing after a byte limit.
type cappedBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	remaining := c.limit - c.buf.Len()
	if remaining <= 0 {
		return len(p), nil
	}
	toWrite := p
	if len(toWrite) > remaining {
		toWrite = toWrite[:remaining]
	}
	_, err := c.buf.Write(toWrite)
	return len(p), err
}

func (c *cappedBuffer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}
