package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/concierge-agent/concierge/internal/contacts"
)

// Contacts returns the address book lookup tool backed by book.
func Contacts(book *contacts.Book) *Tool {
	return &Tool{
		Name:        "contacts",
		Description: "Look up a person in the user's address book by name. Returns email addresses and phone numbers.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name": map[string]any{
					"type":        "string",
					"description": "Full or partial name to search for",
				},
			},
			"required": []string{"name"},
		},
		Suggestion: "set vcard_path in the contacts section of config.yaml",
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			name, _ := args["name"].(string)
			if strings.TrimSpace(name) == "" {
				return "", fmt.Errorf("name is required")
			}

			matches := book.Lookup(name)
			if len(matches) == 0 {
				return fmt.Sprintf("No contact matching %q.", name), nil
			}

			var b strings.Builder
			for _, c := range matches {
				b.WriteString(c.Name)
				if len(c.Emails) > 0 {
					fmt.Fprintf(&b, "\n  email: %s", strings.Join(c.Emails, ", "))
				}
				if len(c.Phones) > 0 {
					fmt.Fprintf(&b, "\n  phone: %s", strings.Join(c.Phones, ", "))
				}
				if c.Birthday != "" {
					fmt.Fprintf(&b, "\n  birthday: %s", c.Birthday)
				}
				b.WriteString("\n")
			}
			return strings.TrimRight(b.String(), "\n"), nil
		},
	}
}
