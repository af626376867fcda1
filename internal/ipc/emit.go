package ipc

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/flashclaw/flashclaw/internal/config"
)

// Emitter writes envelopes for one source group. Writes are atomic
// (tmp + rename) so the bus never reads a half-written file.
type Emitter struct {
	paths  config.Paths
	source string
}

// NewEmitter builds an emitter writing under data/ipc/<source>/.
func NewEmitter(paths config.Paths, source string) *Emitter {
	return &Emitter{paths: paths, source: source}
}

// Source returns the emitting group folder.
func (e *Emitter) Source() string { return e.source }

// EmitMessage drops a text message envelope.
func (e *Emitter) EmitMessage(chatJID, text string) error {
	return e.write(e.paths.IPCMessagesDir(e.source), &Envelope{
		Type:        TypeMessage,
		ChatJID:     chatJID,
		Text:        text,
		GroupFolder: e.source,
	})
}

// EmitImage drops an image envelope with optional caption.
func (e *Emitter) EmitImage(chatJID, imageData, caption string) error {
	return e.write(e.paths.IPCMessagesDir(e.source), &Envelope{
		Type:        TypeImage,
		ChatJID:     chatJID,
		ImageData:   imageData,
		Caption:     caption,
		GroupFolder: e.source,
	})
}

// EmitTask drops a task management envelope (schedule_task,
// pause_task, resume_task, cancel_task).
func (e *Emitter) EmitTask(env *Envelope) error {
	if env.GroupFolder == "" {
		env.GroupFolder = e.source
	}
	return e.write(e.paths.IPCTasksDir(e.source), env)
}

// EmitRegisterGroup drops a register_group envelope; the bus accepts
// it only from the main group.
func (e *Emitter) EmitRegisterGroup(jid, name, folder, trigger string) error {
	return e.write(e.paths.IPCTasksDir(e.source), &Envelope{
		Type:    TypeRegisterGroup,
		JID:     jid,
		Name:    name,
		Folder:  folder,
		Trigger: trigger,
	})
}

func (e *Emitter) write(dir string, env *Envelope) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir ipc dir: %w", err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	name := fmt.Sprintf("%d-%s.json", time.Now().UnixMilli(), uuid.NewString()[:8])
	final := filepath.Join(dir, name)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("rename envelope: %w", err)
	}
	return nil
}
