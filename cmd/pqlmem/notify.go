package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"

	"github.com/saltyorg/pqlmem/internal/config"
	"github.com/saltyorg/pqlmem/internal/notification"
)

// notifyFlags configure the outbound lifecycle notifications
type notifyFlags struct {
	webhookURL     string
	webhookBody    string
	webhookMethod  string
	webhookHeaders []string
	discordURL     string
}

func (f *notifyFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.webhookURL, "webhook-url", "", "POST lifecycle events to this URL (PQLMEM_NOTIFY_WEBHOOK_URL)")
	fs.StringVar(&f.webhookBody, "webhook-body", "", "Go template for the webhook body (PQLMEM_NOTIFY_WEBHOOK_BODY)")
	fs.StringVar(&f.webhookMethod, "webhook-method", "POST", "HTTP method for the webhook")
	fs.StringArrayVar(&f.webhookHeaders, "webhook-header", nil, "Extra webhook header as 'Key: value' (repeatable)")
	fs.StringVar(&f.discordURL, "discord-webhook", "", "Send lifecycle events to this Discord webhook (PQLMEM_NOTIFY_DISCORD_WEBHOOK)")
}

// manager builds a notification manager with every configured provider. It
// returns nil when no provider is configured.
func (f *notifyFlags) manager(cmd *cobra.Command, loader *config.Loader) (*notification.Manager, error) {
	changed := cmd.Flags().Changed
	if !changed("webhook-url") {
		f.webhookURL = loader.String("notify.webhook_url", f.webhookURL)
	}
	if !changed("webhook-body") {
		f.webhookBody = loader.String("notify.webhook_body", f.webhookBody)
	}
	if !changed("discord-webhook") {
		f.discordURL = loader.String("notify.discord_webhook", f.discordURL)
	}

	if f.webhookURL == "" && f.discordURL == "" {
		return nil, nil
	}

	m := notification.NewManager()
	if f.webhookURL != "" {
		p, err := notification.NewWebhookProvider(notification.WebhookConfig{
			URL:     f.webhookURL,
			Method:  f.webhookMethod,
			Body:    f.webhookBody,
			Headers: notification.ParseWebhookHeaders(f.webhookHeaders),
		})
		if err != nil {
			return nil, err
		}
		m.RegisterProvider(p)
	}
	if f.discordURL != "" {
		p, err := notification.NewDiscordProvider(notification.DiscordConfig{WebhookURL: f.discordURL})
		if err != nil {
			m.Stop()
			return nil, err
		}
		m.RegisterProvider(p)
	}
	return m, nil
}

func newNotifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notify",
		Short: "Manage lifecycle notifications",
	}

	f := &notifyFlags{}
	testCmd := &cobra.Command{
		Use:   "test",
		Short: "Send a test notification to every configured provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := openCatalog(cmd)
			if err != nil {
				return err
			}
			defer cat.Close()
			loader := settingsLoader(cat)
			setupLogging(cmd, loader, "")

			m, err := f.manager(cmd, loader)
			if err != nil {
				return err
			}
			if m == nil {
				return fmt.Errorf("no notification provider configured (use --webhook-url or --discord-webhook)")
			}
			defer m.Stop()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			var errs error
			for _, name := range m.ListProviders() {
				if err := m.TestProvider(ctx, name); err != nil {
					errs = multierr.Append(errs, fmt.Errorf("%s: %w", name, err))
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", name)
			}
			return errs
		},
	}
	f.register(testCmd.Flags())
	cmd.AddCommand(testCmd)

	return cmd
}
