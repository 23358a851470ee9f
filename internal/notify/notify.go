// Copyright (c) 2025 Admon, Inc. All rights reserved.

// Package notify delivers end-of-run summaries to a Slack incoming webhook.
package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// Sink receives run summary text. Delivery is best effort; the pipeline
// logs and ignores sink failures.
type Sink interface {
	Post(ctx context.Context, text string) error
}

// SlackSink posts to a Slack incoming webhook. An empty webhook URL makes
// every post a no-op.
type SlackSink struct {
	webhookURL string
	logger     *zap.Logger
}

// NewSlack creates a Slack webhook sink.
func NewSlack(webhookURL string, logger *zap.Logger) *SlackSink {
	return &SlackSink{webhookURL: webhookURL, logger: logger}
}

// Post sends the text as a webhook message.
func (s *SlackSink) Post(ctx context.Context, text string) error {
	if s.webhookURL == "" {
		return nil
	}

	err := slack.PostWebhookContext(ctx, s.webhookURL, &slack.WebhookMessage{Text: text})
	if err != nil {
		return fmt.Errorf("post slack webhook: %w", err)
	}

	s.logger.Debug("posted run summary to slack")
	return nil
}
