package notification

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/saltyorg/pqlmem/internal/httpclient"
)

// DiscordConfig holds Discord webhook configuration
type DiscordConfig struct {
	WebhookURL string
	Username   string // Bot username (optional)
	AvatarURL  string // Bot avatar URL (optional)
}

// DiscordProvider sends notifications via Discord webhooks
type DiscordProvider struct {
	config DiscordConfig
	client *http.Client
}

// NewDiscordProvider creates a new Discord notification provider
func NewDiscordProvider(config DiscordConfig) (*DiscordProvider, error) {
	if config.WebhookURL == "" {
		return nil, fmt.Errorf("discord webhook URL not configured")
	}
	if config.Username == "" {
		config.Username = "pqlmem"
	}
	return &DiscordProvider{
		config: config,
		client: httpclient.NewTraceClient("discord", sendTimeout),
	}, nil
}

// Name returns the provider name
func (d *DiscordProvider) Name() string {
	return "discord"
}

// Send sends a notification to Discord
func (d *DiscordProvider) Send(ctx context.Context, event Event) error {
	payload := discordWebhookPayload{
		Username:  d.config.Username,
		AvatarURL: d.config.AvatarURL,
		Embeds:    []discordEmbed{buildEmbed(event)},
	}
	return sendJSONRequest(ctx, d.client, http.MethodPost, d.config.WebhookURL, payload)
}

// Test sends a test notification
func (d *DiscordProvider) Test(ctx context.Context) error {
	return d.Send(ctx, testEvent("Discord"))
}

func buildEmbed(event Event) discordEmbed {
	embed := discordEmbed{
		Title:       event.Title,
		Description: event.Message,
		Color:       colorForEvent(event.Type),
		Timestamp:   event.Timestamp.Format(time.RFC3339),
		Footer:      &discordEmbedFooter{Text: "pqlmem"},
	}

	names := make([]string, 0, len(event.Fields))
	for name := range event.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		embed.Fields = append(embed.Fields, discordEmbedField{
			Name:   name,
			Value:  event.Fields[name],
			Inline: true,
		})
	}
	return embed
}

func colorForEvent(eventType EventType) int {
	switch eventType {
	case EventDatabaseCreated:
		return 0x00FF00 // Green
	case EventDatabaseDropped:
		return 0xFFFF00 // Yellow
	case EventTest:
		return 0x0099FF // Blue
	default:
		return 0x808080 // Gray
	}
}

type discordWebhookPayload struct {
	Username  string         `json:"username,omitempty"`
	AvatarURL string         `json:"avatar_url,omitempty"`
	Embeds    []discordEmbed `json:"embeds,omitempty"`
}

type discordEmbed struct {
	Title       string              `json:"title,omitempty"`
	Description string              `json:"description,omitempty"`
	Color       int                 `json:"color,omitempty"`
	Timestamp   string              `json:"timestamp,omitempty"`
	Footer      *discordEmbedFooter `json:"footer,omitempty"`
	Fields      []discordEmbedField `json:"fields,omitempty"`
}

type discordEmbedFooter struct {
	Text string `json:"text,omitempty"`
}

type discordEmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}
