// Package terminal implements a local channel that reads prompts from
// stdin and prints replies to stdout. It exists for development and for
// driving the agent without any platform credentials.
package terminal

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flashclaw/flashclaw/internal/channels"
	"github.com/flashclaw/flashclaw/pkg/models"
)

// ChatID is the single chat this adapter serves.
const ChatID = "terminal:local"

// Config holds the terminal adapter configuration.
type Config struct {
	// In and Out default to os.Stdin / os.Stdout.
	In  io.Reader
	Out io.Writer

	// Prompt is printed before each read.
	Prompt string

	// SenderID labels inbound messages.
	SenderID string

	Logger *slog.Logger
}

func (c *Config) sanitize() {
	if c.In == nil {
		c.In = os.Stdin
	}
	if c.Out == nil {
		c.Out = os.Stdout
	}
	if c.Prompt == "" {
		c.Prompt = "> "
	}
	if c.SenderID == "" {
		c.SenderID = "local-user"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Adapter is the terminal channel.
type Adapter struct {
	config  Config
	logger  *slog.Logger
	handler channels.Handler

	outMu sync.Mutex
	seq   atomic.Int64

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// New creates a terminal adapter.
func New(config Config) *Adapter {
	config.sanitize()
	return &Adapter{
		config: config,
		logger: config.Logger.With("component", "terminal"),
	}
}

// Name implements channels.Channel.
func (a *Adapter) Name() string { return "terminal" }

// Platform implements channels.Channel.
func (a *Adapter) Platform() models.Platform { return models.PlatformTerminal }

// OnMessage implements channels.Channel.
func (a *Adapter) OnMessage(h channels.Handler) { a.handler = h }

// Start begins reading stdin lines.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return fmt.Errorf("terminal: already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})
	a.running = true

	go a.readLoop(runCtx)
	a.logger.Info("terminal adapter started")
	return nil
}

func (a *Adapter) readLoop(ctx context.Context) {
	defer close(a.done)
	scanner := bufio.NewScanner(a.config.In)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	a.print(a.config.Prompt)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			a.print(a.config.Prompt)
			continue
		}
		if a.handler != nil {
			a.handler(&models.Message{
				ID:        strconv.FormatInt(a.seq.Add(1), 10),
				ChatID:    ChatID,
				SenderID:  a.config.SenderID,
				Content:   line,
				Timestamp: time.Now(),
				ChatType:  models.ChatTypeP2P,
				Platform:  models.PlatformTerminal,
			})
		}
		a.print(a.config.Prompt)
	}
	if err := scanner.Err(); err != nil {
		a.logger.Warn("stdin read failed", "error", err)
	}
}

// Stop ends the read loop. Reading from an interactive stdin cannot be
// interrupted portably, so Stop returns once the context allows rather
// than waiting for a final line.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	cancel, done := a.cancel, a.done
	a.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
	case <-time.After(100 * time.Millisecond):
	}
	a.logger.Info("terminal adapter stopped")
	return nil
}

// SendMessage implements channels.Channel.
func (a *Adapter) SendMessage(ctx context.Context, chatID, text string) (channels.SendResult, error) {
	a.print(text + "\n")
	return channels.SendResult{
		Success:   true,
		MessageID: channels.ComposeMessageID(chatID, strconv.FormatInt(a.seq.Add(1), 10)),
	}, nil
}

// SendImage implements channels.ImageSender; the terminal only notes
// that an image was produced.
func (a *Adapter) SendImage(ctx context.Context, chatID, data, caption string) (channels.SendResult, error) {
	note := fmt.Sprintf("[图片 %d 字节]", len(data)*3/4)
	if caption != "" {
		note += " " + caption
	}
	return a.SendMessage(ctx, chatID, note)
}

func (a *Adapter) print(s string) {
	a.outMu.Lock()
	defer a.outMu.Unlock()
	fmt.Fprint(a.config.Out, s)
}
