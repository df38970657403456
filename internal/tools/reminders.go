package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/concierge-agent/concierge/internal/reminders"
)

// Reminders returns the reminder tool backed by sched.
func Reminders(sched *reminders.Scheduler) *Tool {
	return &Tool{
		Name:        "reminders",
		Description: "Create, list, or cancel reminders. Actions: 'create' with a title and due time, 'list' (default), 'cancel' with an id.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"action": map[string]any{
					"type":        "string",
					"description": "One of 'create', 'list', 'cancel' (default 'list')",
				},
				"title": map[string]any{
					"type":        "string",
					"description": "For create: what to remind about",
				},
				"due": map[string]any{
					"type":        "string",
					"description": "For create: when to fire. RFC 3339 timestamp or a duration like '30m' or '2h'",
				},
				"id": map[string]any{
					"type":        "string",
					"description": "For cancel: the reminder id",
				},
			},
		},
		Suggestion: "give the due time as a duration like '30m' or an RFC 3339 timestamp",
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			action, _ := args["action"].(string)
			switch action {
			case "create":
				return remindersCreate(ctx, sched, args)
			case "cancel":
				id, _ := args["id"].(string)
				if id == "" {
					return "", fmt.Errorf("id is required to cancel")
				}
				if err := sched.Cancel(id); err != nil {
					return "", err
				}
				return "Reminder cancelled.", nil
			default:
				return remindersList(sched)
			}
		},
	}
}

func remindersCreate(ctx context.Context, sched *reminders.Scheduler, args map[string]any) (string, error) {
	title, _ := args["title"].(string)
	if title == "" {
		return "", fmt.Errorf("title is required")
	}
	dueStr, _ := args["due"].(string)
	due, err := parseDue(dueStr)
	if err != nil {
		return "", err
	}

	r, err := sched.Add(ctx, title, "", due)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Reminder set for %s (id %s).", r.DueAt.Local().Format("Mon Jan 2 15:04"), r.ID), nil
}

func remindersList(sched *reminders.Scheduler) (string, error) {
	pending, err := sched.Pending()
	if err != nil {
		return "", err
	}
	if len(pending) == 0 {
		return "No pending reminders.", nil
	}

	var b strings.Builder
	for _, r := range pending {
		fmt.Fprintf(&b, "%s: %s (id %s)\n", r.DueAt.Local().Format("Mon Jan 2 15:04"), r.Title, r.ID)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// parseDue accepts an RFC 3339 timestamp or a relative duration.
func parseDue(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("due time is required")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return time.Time{}, fmt.Errorf("due duration must be in the future")
		}
		return time.Now().Add(d), nil
	}
	return time.Time{}, fmt.Errorf("could not parse due time %q", s)
}
