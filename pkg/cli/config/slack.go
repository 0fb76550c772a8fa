package config

import (
	"log/slog"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/herald/pkg/service/slack"
	"github.com/secmon-lab/herald/pkg/usecase"
	"github.com/urfave/cli/v3"
)

type Slack struct {
	botToken      string
	notifyChannel string
	apiURL        string
}

func (x *Slack) Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "slack-bot-token",
			Usage:       "Slack Bot User OAuth Token (for operator notifications)",
			Category:    "Slack",
			Destination: &x.botToken,
			Sources:     cli.EnvVars("HERALD_SLACK_BOT_TOKEN"),
		},
		&cli.StringFlag{
			Name:        "slack-notify-channel",
			Usage:       "Slack channel ID receiving failed-delivery and finished-run notices",
			Category:    "Slack",
			Destination: &x.notifyChannel,
			Sources:     cli.EnvVars("HERALD_SLACK_NOTIFY_CHANNEL"),
		},
	}
}

func (x Slack) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("bot-token.len", len(x.botToken)),
		slog.String("notify-channel", x.notifyChannel),
	)
}

// IsConfigured reports whether notifications are enabled
func (x *Slack) IsConfigured() bool {
	return x.botToken != "" && x.notifyChannel != ""
}

// Configure returns a notifier, or nil when notifications are disabled
func (x *Slack) Configure() (usecase.Notifier, error) {
	if x.botToken == "" && x.notifyChannel == "" {
		return nil, nil
	}
	if !x.IsConfigured() {
		return nil, goerr.Wrap(ErrInvalidConfig, "--slack-bot-token and --slack-notify-channel must be set together")
	}

	var opts []slack.Option
	if x.apiURL != "" {
		opts = append(opts, slack.WithAPIURL(x.apiURL))
	}
	svc, err := slack.New(x.botToken, opts...)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create slack service")
	}
	return slack.NewNotifier(svc, x.notifyChannel), nil
}
