package slack

import (
	"context"
	"fmt"
	"strings"

	"github.com/secmon-lab/herald/pkg/domain/model"
	"github.com/secmon-lab/herald/pkg/domain/types"
	"github.com/slack-go/slack"
)

// Notifier reports failed deliveries and finished bulk runs to an operator channel
type Notifier struct {
	svc     Service
	channel string
}

func NewNotifier(svc Service, channel string) *Notifier {
	return &Notifier{svc: svc, channel: channel}
}

func section(text string) slack.Block {
	return slack.NewSectionBlock(
		slack.NewTextBlockObject(slack.MarkdownType, truncateToMaxBytes(text, maxSectionBytes), false, false),
		nil, nil,
	)
}

func (n *Notifier) DeliveryFailed(ctx context.Context, ws model.Workspace, msg *model.ScheduledMessage) error {
	title := fmt.Sprintf(":warning: Scheduled message to %s in *%s* failed", msg.Channel, ws.Name)
	detail := fmt.Sprintf("*Error:* %s\n*Scheduled for:* %s\n*Message ID:* `%s`",
		msg.LastError, msg.SendAt.Format("2006-01-02 15:04 MST"), msg.ID)

	blocks := []slack.Block{
		section(title),
		section(detail),
		section("> " + strings.ReplaceAll(msg.Body, "\n", "\n> ")),
	}
	_, err := n.svc.PostMessage(ctx, n.channel, blocks, title)
	return err
}

func (n *Notifier) RunFinished(ctx context.Context, ws model.Workspace, run *model.BulkRun) error {
	icon := ":white_check_mark:"
	if run.State == types.RunStateAborted || run.Counters.Errored > 0 {
		icon = ":warning:"
	}

	title := fmt.Sprintf("%s %s run in *%s* %s", icon, run.Kind, ws.Name, strings.ToLower(string(run.State)))
	if run.State == types.RunStateAborted {
		title += fmt.Sprintf(" (%s)", run.AbortCause)
	}
	detail := fmt.Sprintf("*Processed:* %d/%d  *Succeeded:* %d  *Skipped:* %d  *Errored:* %d\n*Run ID:* `%s`",
		run.Counters.Processed, run.Total(), run.Counters.Succeeded, run.Counters.Skipped, run.Counters.Errored, run.ID)
	if run.FatalError != "" {
		detail += "\n*Error:* " + run.FatalError
	}

	_, err := n.svc.PostMessage(ctx, n.channel, []slack.Block{section(title), section(detail)}, title)
	return err
}
