// Package contacts loads the user's address book from a vCard file
// and answers name lookups for the contacts tool.
package contacts

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/emersion/go-vcard"
)

// Contact is one address book entry.
type Contact struct {
	Name     string   `json:"name"`
	Emails   []string `json:"emails,omitempty"`
	Phones   []string `json:"phones,omitempty"`
	Birthday string   `json:"birthday,omitempty"`
}

// Book is an in-memory address book. It is loaded once at startup;
// lookups are read-only afterwards.
type Book struct {
	contacts []Contact
}

// LoadFile reads a .vcf file containing one or more vCards.
func LoadFile(path string) (*Book, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open vcard file: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Load reads vCards from r until EOF.
func Load(r io.Reader) (*Book, error) {
	dec := vcard.NewDecoder(r)
	b := &Book{}
	for {
		card, err := dec.Decode()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode vcard: %w", err)
		}

		c := Contact{Name: card.PreferredValue(vcard.FieldFormattedName)}
		if c.Name == "" {
			if n := card.Name(); n != nil {
				c.Name = strings.TrimSpace(n.GivenName + " " + n.FamilyName)
			}
		}
		for _, email := range card.Values(vcard.FieldEmail) {
			c.Emails = append(c.Emails, email)
		}
		for _, phone := range card.Values(vcard.FieldTelephone) {
			c.Phones = append(c.Phones, phone)
		}
		c.Birthday = card.PreferredValue(vcard.FieldBirthday)

		if c.Name != "" {
			b.contacts = append(b.contacts, c)
		}
	}
	return b, nil
}

// Len returns the number of loaded contacts.
func (b *Book) Len() int {
	if b == nil {
		return 0
	}
	return len(b.contacts)
}

// Lookup returns contacts whose name contains the query,
// case-insensitively. An empty query matches nothing.
func (b *Book) Lookup(query string) []Contact {
	if b == nil {
		return nil
	}
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil
	}

	var out []Contact
	for _, c := range b.contacts {
		if strings.Contains(strings.ToLower(c.Name), query) {
			out = append(out, c)
		}
	}
	return out
}

// All returns every contact, for listing.
func (b *Book) All() []Contact {
	if b == nil {
		return nil
	}
	return b.contacts
}
