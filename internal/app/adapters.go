package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/flashclaw/flashclaw/internal/channels"
	"github.com/flashclaw/flashclaw/internal/groups"
	"github.com/flashclaw/flashclaw/internal/scheduler"
	"github.com/flashclaw/flashclaw/internal/tools"
	"github.com/flashclaw/flashclaw/pkg/models"
)

// schedulerToolAdapter exposes the scheduler through the surface the
// schedule tools expect. Creation assigns the id and wakes the timer.
type schedulerToolAdapter struct {
	s *scheduler.Scheduler
}

func (a *schedulerToolAdapter) ScheduleTask(ctx context.Context, req tools.ScheduleRequest) (*models.ScheduledTask, error) {
	task := &models.ScheduledTask{
		GroupFolder:   req.GroupFolder,
		ChatID:        req.ChatID,
		Prompt:        req.Prompt,
		ScheduleType:  req.ScheduleType,
		ScheduleValue: req.ScheduleValue,
		ContextMode:   req.ContextMode,
		MaxRetries:    req.MaxRetries,
		TimeoutMs:     req.TimeoutMs,
	}
	created, err := a.s.CreateTask(ctx, task)
	if err != nil {
		return nil, err
	}
	a.s.Wake()
	return created, nil
}

func (a *schedulerToolAdapter) ListTasks(ctx context.Context, groupFolder string) ([]*models.ScheduledTask, error) {
	return a.s.ListTasks(ctx, groupFolder)
}

func (a *schedulerToolAdapter) PauseTask(ctx context.Context, taskID string) error {
	return a.s.PauseTask(ctx, taskID)
}

func (a *schedulerToolAdapter) ResumeTask(ctx context.Context, taskID string) error {
	return a.s.ResumeTask(ctx, taskID)
}

func (a *schedulerToolAdapter) CancelTask(ctx context.Context, taskID string) error {
	return a.s.CancelTask(ctx, taskID)
}

// channelSender routes outbound bus envelopes to the channel that owns
// the chat id, by platform prefix.
type channelSender struct {
	app *App
}

func (c *channelSender) channelFor(chatID string) (channels.Channel, error) {
	var platform models.Platform
	switch {
	case strings.HasPrefix(chatID, "tg:"):
		platform = models.PlatformTelegram
	case strings.HasPrefix(chatID, "terminal:"):
		platform = models.PlatformTerminal
	default:
		all := c.app.channels.All()
		if len(all) == 0 {
			return nil, fmt.Errorf("no channel available for chat %s", chatID)
		}
		return all[0], nil
	}
	ch, ok := c.app.channels.ByPlatform(platform)
	if !ok {
		return nil, fmt.Errorf("no %s channel registered for chat %s", platform, chatID)
	}
	return ch, nil
}

func (c *channelSender) SendMessage(ctx context.Context, chatJID, text string) error {
	ch, err := c.channelFor(chatJID)
	if err != nil {
		return err
	}
	res, err := ch.SendMessage(ctx, chatJID, text)
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("send to %s failed: %s", chatJID, res.Error)
	}
	return nil
}

func (c *channelSender) SendImage(ctx context.Context, chatJID, imageData, caption string) error {
	ch, err := c.channelFor(chatJID)
	if err != nil {
		return err
	}
	sender, ok := ch.(channels.ImageSender)
	if !ok {
		return fmt.Errorf("channel %s cannot send images", ch.Name())
	}
	res, err := sender.SendImage(ctx, chatJID, imageData, caption)
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("send image to %s failed: %s", chatJID, res.Error)
	}
	return nil
}

// groupRegistrar adapts the group registry for register_group
// envelopes.
type groupRegistrar struct {
	groups *groups.Registry
}

func (g *groupRegistrar) RegisterGroup(ctx context.Context, group *models.Group) error {
	return g.groups.Register(group)
}
