// Package runtime manages the backing agent subprocess for one active
// session. The subprocess is opaque: it accepts prompt lines on stdin and
// emits newline-delimited JSON events on stdout, terminated per turn by an
// idle or error event. Callers consume events through Subscribe, which
// returns a channel and an unsubscribe handle; the package never interprets
// events beyond line framing.
package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"
)

// Config describes how to start a backing subprocess.
type Config struct {
	// Command and Args name the agent binary. Args are passed before the
	// per-start flags.
	Command string
	Args    []string

	// Cwd is the working directory the agent operates in.
	Cwd string

	// Model is the model identifier handed to the agent.
	Model string

	// SystemPrompt seeds a newly created conversational context. Ignored on
	// resume.
	SystemPrompt string

	// ResumeSessionID, when set, asks the agent to continue an existing
	// conversation instead of creating one.
	ResumeSessionID string
}

// Prompt is one turn's input.
type Prompt struct {
	Text        string   `json:"prompt"`
	Attachments []string `json:"attachments,omitempty"`
}

const stopGracePeriod = 5 * time.Second

// subscriberBuffer bounds each subscriber channel. A subscriber that falls
// this far behind starts losing events rather than stalling the reader.
const subscriberBuffer = 256

// Process is a live backing subprocess.
type Process struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	mu      sync.Mutex
	subs    map[int]chan []byte
	nextSub int
	stopped bool

	done    chan struct{}
	waitErr error
}

// Start launches the subprocess and begins relaying its stdout lines to
// subscribers.
func Start(ctx context.Context, cfg Config) (*Process, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("runtime: no agent command configured")
	}

	args := append([]string{}, cfg.Args...)
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	if cfg.ResumeSessionID != "" {
		args = append(args, "--resume", cfg.ResumeSessionID)
	} else if cfg.SystemPrompt != "" {
		args = append(args, "--system-prompt", cfg.SystemPrompt)
	}

	cmd := exec.CommandContext(ctx, cfg.Command, args...)
	cmd.Dir = cfg.Cwd

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("runtime: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("runtime: stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("runtime: start %s: %w", cfg.Command, err)
	}

	p := &Process{
		cmd:   cmd,
		stdin: stdin,
		subs:  make(map[int]chan []byte),
		done:  make(chan struct{}),
	}
	go p.readLoop(stdout)
	return p, nil
}

// readLoop fans stdout lines out to subscribers until the process exits.
func (p *Process) readLoop(stdout io.Reader) {
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := append([]byte{}, sc.Bytes()...)
		if len(line) == 0 {
			continue
		}
		p.mu.Lock()
		for _, ch := range p.subs {
			select {
			case ch <- line:
			default: // slow subscriber loses the event
			}
		}
		p.mu.Unlock()
	}

	p.waitErr = p.cmd.Wait()

	p.mu.Lock()
	for id, ch := range p.subs {
		close(ch)
		delete(p.subs, id)
	}
	p.stopped = true
	p.mu.Unlock()
	close(p.done)
}

// Subscribe registers a new event consumer. The returned channel is closed
// when the process exits; the unsubscribe func is idempotent.
func (p *Process) Subscribe() (<-chan []byte, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch := make(chan []byte, subscriberBuffer)
	if p.stopped {
		close(ch)
		return ch, func() {}
	}

	id := p.nextSub
	p.nextSub++
	p.subs[id] = ch

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			p.mu.Lock()
			if live, ok := p.subs[id]; ok {
				close(live)
				delete(p.subs, id)
			}
			p.mu.Unlock()
		})
	}
	return ch, unsubscribe
}

// Send writes one prompt line to the subprocess.
func (p *Process) Send(prompt Prompt) error {
	data, err := json.Marshal(prompt)
	if err != nil {
		return fmt.Errorf("runtime: encode prompt: %w", err)
	}
	data = append(data, '\n')
	if _, err := p.stdin.Write(data); err != nil {
		return fmt.Errorf("runtime: send prompt: %w", err)
	}
	return nil
}

// Stop shuts the subprocess down: stdin close first so a well-behaved agent
// exits cleanly, then a kill once the grace period (or ctx) runs out.
func (p *Process) Stop(ctx context.Context) error {
	p.stdin.Close()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
	case <-time.After(stopGracePeriod):
	}

	if err := p.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("runtime: kill: %w", err)
	}
	<-p.done
	return nil
}

// Done is closed when the subprocess has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// Err returns the process exit error, valid after Done is closed.
func (p *Process) Err() error { return p.waitErr }
