package notify

import (
	"context"
	"testing"

	"github.com/concierge-agent/concierge/internal/config"
)

func TestTopicPrefix(t *testing.T) {
	m := NewMQTT(config.NotifyConfig{TopicPrefix: "home/assistant"}, nil)
	if got := m.topic("notifications"); got != "home/assistant/notifications" {
		t.Errorf("topic = %q", got)
	}

	m = NewMQTT(config.NotifyConfig{}, nil)
	if got := m.topic("availability"); got != "concierge/availability" {
		t.Errorf("default topic = %q", got)
	}
}

func TestNotify_NotStarted(t *testing.T) {
	m := NewMQTT(config.NotifyConfig{}, nil)
	if err := m.Notify(context.Background(), Notification{Title: "x"}); err == nil {
		t.Error("Notify before Start should fail")
	}
}

func TestNopNotifier(t *testing.T) {
	var n Notifier = NopNotifier{}
	if err := n.Notify(context.Background(), Notification{Title: "x"}); err != nil {
		t.Errorf("NopNotifier.Notify: %v", err)
	}
}

func TestStop_BeforeStart(t *testing.T) {
	m := NewMQTT(config.NotifyConfig{}, nil)
	if err := m.Stop(context.Background()); err != nil {
		t.Errorf("Stop before Start: %v", err)
	}
}
