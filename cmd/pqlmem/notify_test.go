package main

import (
	"testing"

	"github.com/spf13/cobra"

	"github.com/saltyorg/pqlmem/internal/config"
)

func TestNotifyFlags_NoProviders(t *testing.T) {
	f := &notifyFlags{}
	cmd := &cobra.Command{Use: "test"}
	f.register(cmd.Flags())

	m, err := f.manager(cmd, config.NewLoader(mapGetter{}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m != nil {
		t.Fatalf("expected no manager without providers")
	}
}

func TestNotifyFlags_FromSettings(t *testing.T) {
	f := &notifyFlags{}
	cmd := &cobra.Command{Use: "test"}
	f.register(cmd.Flags())
	if err := cmd.Flags().Set("webhook-header", "X-Token: abc"); err != nil {
		t.Fatalf("set flag: %v", err)
	}

	loader := config.NewLoader(mapGetter{
		"notify.webhook_url":     "http://127.0.0.1:1/hook",
		"notify.discord_webhook": "http://127.0.0.1:1/api/webhooks/1/x",
	})
	m, err := f.manager(cmd, loader)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer m.Stop()

	got := m.ListProviders()
	if len(got) != 2 || got[0] != "discord" || got[1] != "webhook" {
		t.Fatalf("unexpected providers %v", got)
	}
}

func TestNotifyFlags_BadTemplate(t *testing.T) {
	f := &notifyFlags{}
	cmd := &cobra.Command{Use: "test"}
	f.register(cmd.Flags())
	if err := cmd.Flags().Set("webhook-url", "http://127.0.0.1:1/hook"); err != nil {
		t.Fatalf("set flag: %v", err)
	}
	if err := cmd.Flags().Set("webhook-body", "{{.Nope"); err != nil {
		t.Fatalf("set flag: %v", err)
	}
	if _, err := f.manager(cmd, config.NewLoader(mapGetter{})); err == nil {
		t.Fatalf("expected template error")
	}
}
