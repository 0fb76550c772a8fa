package slack

import (
	"context"
	"unicode/utf8"

	"github.com/m-mizutani/goerr/v2"
	"github.com/slack-go/slack"
)

// maxSectionBytes is the Block Kit limit of a section text object
const maxSectionBytes = 3000

// client implements Service interface
type client struct {
	api *slack.Client
}

// Option is a functional option for client configuration
type Option func(*clientConfig)

type clientConfig struct {
	slackOpts []slack.Option
}

// WithAPIURL points the client at another Slack API endpoint
func WithAPIURL(url string) Option {
	return func(c *clientConfig) {
		c.slackOpts = append(c.slackOpts, slack.OptionAPIURL(url))
	}
}

// New creates a new Slack service with the provided bot token
func New(token string, opts ...Option) (Service, error) {
	if token == "" {
		return nil, goerr.New("Slack bot token is required")
	}

	var cfg clientConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	return &client{
		api: slack.New(token, cfg.slackOpts...),
	}, nil
}

func (c *client) PostMessage(ctx context.Context, channelID string, blocks []slack.Block, text string) (string, error) {
	_, ts, err := c.api.PostMessageContext(ctx, channelID,
		slack.MsgOptionBlocks(blocks...),
		slack.MsgOptionText(text, false),
	)
	if err != nil {
		return "", goerr.Wrap(err, "failed to post message", goerr.V("channel_id", channelID))
	}
	return ts, nil
}

// truncateToMaxBytes cuts s to at most max bytes without splitting a UTF-8 sequence
func truncateToMaxBytes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
