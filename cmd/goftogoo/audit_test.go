package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/goccy/go-json"

	"github.com/4xmen/goftogoo/internal/models"
)

func runHistory(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs(append([]string{"moderation", "history"}, args...))
	if err := cmd.Execute(); err != nil {
		t.Fatalf("moderation history %v: %v", args, err)
	}
	return out.String()
}

func TestModerationHistoryCommand(t *testing.T) {
	cfg := testConfig(t)
	setEnv(t, cfg)
	a, err := newApp(cfg, nil)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	chat := seed(t, a)
	a.close()

	var actions []models.ModerationAction
	if err := json.Unmarshal([]byte(runHistory(t, chat.ID, "--json")), &actions); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(actions) != 1 || actions[0].Kind != models.ActionWarn || actions[0].Reason != "spam" {
		t.Fatalf("actions = %+v", actions)
	}

	text := runHistory(t, chat.ID, "--limit", "5")
	if !strings.Contains(text, "ACTION") || !strings.Contains(text, string(models.ActionWarn)) {
		t.Fatalf("table output:\n%s", text)
	}

	if got := runHistory(t, "no-such-chat"); !strings.Contains(got, "no moderation actions") {
		t.Fatalf("empty chat output = %q", got)
	}
}

func TestModerationHistoryNeedsChatID(t *testing.T) {
	setEnv(t, testConfig(t))
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"moderation", "history"})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected an argument error")
	}
}
