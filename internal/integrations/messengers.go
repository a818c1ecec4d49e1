package integrations

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/go-telegram/bot"

	"github.com/jordanhubbard/approvalflow/internal/workflow"
)

func (d *Dispatcher) sendTelegram(ctx context.Context, cfg ChatConfig, ectx workflow.ExecutionContext) (any, string, error) {
	if cfg.Target == "" {
		return nil, "", fmt.Errorf("Telegram chat ID (target) is required")
	}
	token := cfg.Token
	if token == "" {
		token = d.telegram.Token
	}
	if token == "" {
		return nil, "", fmt.Errorf("Telegram bot token is required")
	}

	opts := []bot.Option{
		bot.WithSkipGetMe(),
		bot.WithHTTPClient(time.Minute, d.httpClient),
	}
	if d.telegram.ServerURL != "" {
		opts = append(opts, bot.WithServerURL(d.telegram.ServerURL))
	}

	tgBot, err := bot.New(token, opts...)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create telegram bot: %w", err)
	}

	msg, err := tgBot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: cfg.Target,
		Text:   cfg.messageText(ectx),
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to send telegram message: %w", err)
	}

	return map[string]any{
		"chat_id":    cfg.Target,
		"message_id": msg.ID,
	}, "Telegram message sent", nil
}

func (d *Dispatcher) sendDiscord(ctx context.Context, cfg ChatConfig, ectx workflow.ExecutionContext) (any, string, error) {
	if cfg.Target == "" {
		return nil, "", fmt.Errorf("Discord webhook URL (target) is required")
	}
	webhookID, webhookToken, err := parseDiscordWebhook(cfg.Target)
	if err != nil {
		return nil, "", err
	}

	// Webhook execution needs no bot token
	session, err := discordgo.New("")
	if err != nil {
		return nil, "", fmt.Errorf("failed to create Discord session: %w", err)
	}
	session.Client = d.httpClient

	msg, err := session.WebhookExecute(webhookID, webhookToken, true, &discordgo.WebhookParams{
		Content: cfg.messageText(ectx),
	}, discordgo.WithContext(ctx))
	if err != nil {
		return nil, "", fmt.Errorf("failed to execute Discord webhook: %w", err)
	}

	data := map[string]any{"webhook_id": webhookID}
	if msg != nil {
		data["message_id"] = msg.ID
		data["channel_id"] = msg.ChannelID
	}
	return data, "Discord message sent", nil
}

// parseDiscordWebhook extracts id and token from
// https://discord.com/api/webhooks/{id}/{token}
func parseDiscordWebhook(target string) (string, string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", "", fmt.Errorf("invalid Discord webhook URL: %w", err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] == "webhooks" && parts[i+1] != "" && parts[i+2] != "" {
			return parts[i+1], parts[i+2], nil
		}
	}
	return "", "", fmt.Errorf("invalid Discord webhook URL: %s", target)
}
