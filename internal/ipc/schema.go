// Package ipc is the file-based envelope bus: plugins and tools drop
// JSON files under data/ipc/<group>/{messages,tasks}/ and the bus
// validates, authorises and dispatches them.
package ipc

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/flashclaw/flashclaw/pkg/models"
)

// Envelope types.
const (
	TypeMessage       = "message"
	TypeImage         = "image"
	TypeScheduleTask  = "schedule_task"
	TypePauseTask     = "pause_task"
	TypeResumeTask    = "resume_task"
	TypeCancelTask    = "cancel_task"
	TypeRegisterGroup = "register_group"
)

// Envelope is the wire shape of one IPC file. Fields beyond Type are
// populated per envelope type; the schema for that type decides which
// are required.
type Envelope struct {
	Type string `json:"type"`

	// message / image
	ChatJID     string `json:"chatJid,omitempty"`
	Text        string `json:"text,omitempty"`
	ImageData   string `json:"imageData,omitempty"`
	Caption     string `json:"caption,omitempty"`
	GroupFolder string `json:"groupFolder,omitempty"`
	Platform    string `json:"platform,omitempty"`

	// schedule_task
	Prompt        string `json:"prompt,omitempty"`
	ScheduleType  string `json:"schedule_type,omitempty"`
	ScheduleValue string `json:"schedule_value,omitempty"`
	ContextMode   string `json:"context_mode,omitempty"`
	MaxRetries    *int   `json:"max_retries,omitempty"`
	TimeoutMs     *int64 `json:"timeout_ms,omitempty"`

	// pause_task / resume_task / cancel_task
	TaskID string `json:"taskId,omitempty"`

	// register_group
	JID         string              `json:"jid,omitempty"`
	Name        string              `json:"name,omitempty"`
	Folder      string              `json:"folder,omitempty"`
	Trigger     string              `json:"trigger,omitempty"`
	AgentConfig *models.AgentConfig `json:"agentConfig,omitempty"`
}

// SchemaLimits feed the size caps into the compiled schemas.
type SchemaLimits struct {
	MaxMessageChars int
	MaxChatIDChars  int
}

// schemaSet holds the compiled per-type schemas. Compilation happens
// once per limit set.
type schemaSet struct {
	once    sync.Once
	initErr error
	byType  map[string]*jsonschema.Schema
}

func (s *schemaSet) init(limits SchemaLimits) error {
	s.once.Do(func() {
		sources := map[string]string{
			TypeMessage:       messageSchema(limits),
			TypeImage:         imageSchema(limits),
			TypeScheduleTask:  scheduleTaskSchema,
			TypePauseTask:     taskIDSchema,
			TypeResumeTask:    taskIDSchema,
			TypeCancelTask:    taskIDSchema,
			TypeRegisterGroup: registerGroupSchema,
		}
		s.byType = make(map[string]*jsonschema.Schema, len(sources))
		for name, src := range sources {
			compiled, err := jsonschema.CompileString("ipc_"+name, src)
			if err != nil {
				s.initErr = fmt.Errorf("compile %s schema: %w", name, err)
				return
			}
			s.byType[name] = compiled
		}
	})
	return s.initErr
}

// Validator validates raw envelope bytes against the discriminated
// union keyed on type.
type Validator struct {
	limits  SchemaLimits
	schemas schemaSet
}

// NewValidator builds a validator for the configured limits.
func NewValidator(limits SchemaLimits) *Validator {
	if limits.MaxMessageChars <= 0 {
		limits.MaxMessageChars = 8000
	}
	if limits.MaxChatIDChars <= 0 {
		limits.MaxChatIDChars = 256
	}
	return &Validator{limits: limits}
}

// Validate parses and checks one envelope. The returned envelope is
// only usable when err is nil.
func (v *Validator) Validate(raw []byte) (*Envelope, error) {
	if err := v.schemas.init(v.limits); err != nil {
		return nil, err
	}

	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}
	obj, ok := payload.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("envelope must be an object")
	}
	typ, _ := obj["type"].(string)
	schema, ok := v.schemas.byType[typ]
	if !ok {
		return nil, fmt.Errorf("unknown envelope type %q", typ)
	}
	if err := schema.Validate(payload); err != nil {
		return nil, fmt.Errorf("invalid %s envelope: %w", typ, err)
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &env, nil
}

func messageSchema(limits SchemaLimits) string {
	return fmt.Sprintf(`{
  "type": "object",
  "required": ["type", "chatJid", "text"],
  "properties": {
    "type": { "const": "message" },
    "chatJid": { "type": "string", "minLength": 1, "maxLength": %d },
    "text": { "type": "string", "minLength": 1, "maxLength": %d },
    "groupFolder": { "type": "string" },
    "platform": { "type": "string" }
  }
}`, limits.MaxChatIDChars, limits.MaxMessageChars)
}

func imageSchema(limits SchemaLimits) string {
	return fmt.Sprintf(`{
  "type": "object",
  "required": ["type", "chatJid", "imageData"],
  "properties": {
    "type": { "const": "image" },
    "chatJid": { "type": "string", "minLength": 1, "maxLength": %d },
    "imageData": { "type": "string", "minLength": 1 },
    "caption": { "type": "string", "maxLength": %d },
    "groupFolder": { "type": "string" },
    "platform": { "type": "string" }
  }
}`, limits.MaxChatIDChars, limits.MaxMessageChars)
}

const scheduleTaskSchema = `{
  "type": "object",
  "required": ["type", "prompt", "schedule_type", "schedule_value", "groupFolder"],
  "properties": {
    "type": { "const": "schedule_task" },
    "prompt": { "type": "string", "minLength": 1, "maxLength": 10000 },
    "schedule_type": { "enum": ["cron", "interval", "once"] },
    "schedule_value": { "type": "string", "minLength": 1, "maxLength": 200 },
    "groupFolder": { "type": "string", "minLength": 1 },
    "chatJid": { "type": "string" },
    "context_mode": { "enum": ["group", "isolated"] },
    "max_retries": { "type": "integer", "minimum": 0, "maximum": 10 },
    "timeout_ms": { "type": "integer", "minimum": 1000, "maximum": 3600000 }
  }
}`

const taskIDSchema = `{
  "type": "object",
  "required": ["type", "taskId"],
  "properties": {
    "type": { "enum": ["pause_task", "resume_task", "cancel_task"] },
    "taskId": { "type": "string", "minLength": 1, "maxLength": 100 }
  }
}`

const registerGroupSchema = `{
  "type": "object",
  "required": ["type", "jid", "name", "folder"],
  "properties": {
    "type": { "const": "register_group" },
    "jid": { "type": "string", "minLength": 1 },
    "name": { "type": "string", "minLength": 1 },
    "folder": { "type": "string", "pattern": "^[A-Za-z0-9_-]+$", "maxLength": 100 },
    "trigger": { "type": "string" },
    "agentConfig": { "type": "object" }
  }
}`
