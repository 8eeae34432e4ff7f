package notify

import (
	"context"
	"fmt"

	"github.com/mwhitten/ingestd/internal/models"
	slackapi "github.com/slack-go/slack"
)

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// Slack posts terminal-state notifications to a Slack channel.
type Slack struct {
	client    slackClient
	channelID string
}

// NewSlack creates a Slack notifier using a bot token.
func NewSlack(botToken, channelID string) (*Slack, error) {
	if botToken == "" {
		return nil, fmt.Errorf("notify: slack bot token is required")
	}
	if channelID == "" {
		return nil, fmt.Errorf("notify: slack channel id is required")
	}
	return &Slack{client: slackapi.New(botToken), channelID: channelID}, nil
}

// OperationTerminal posts the operation outcome as a colored attachment.
func (s *Slack) OperationTerminal(ctx context.Context, op *models.Operation) error {
	ev := eventFor(op)
	attachment := slackapi.Attachment{
		Color: ev.Color,
		Title: ev.Title,
		Text:  ev.Body,
	}
	_, _, err := s.client.PostMessageContext(ctx, s.channelID, slackapi.MsgOptionAttachments(attachment))
	if err != nil {
		return fmt.Errorf("notify: slack post: %w", err)
	}
	return nil
}
