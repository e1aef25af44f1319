package domain

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxQueryRunes bounds incoming query text. Longer messages are rejected
// before any provider call is made.
const MaxQueryRunes = 4000

// ValidateQuery checks a Query at pipeline entry.
func ValidateQuery(q Query) error {
	if strings.TrimSpace(q.SessionID) == "" {
		return fmt.Errorf("validate: session_id is empty: %w", ErrInvalidInput)
	}
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return fmt.Errorf("validate: message text is empty: %w", ErrInvalidInput)
	}
	if utf8.RuneCountInString(text) > MaxQueryRunes {
		return fmt.Errorf("validate: message text exceeds %d runes: %w", MaxQueryRunes, ErrInvalidInput)
	}
	return nil
}

// ValidateProduct checks a catalog product before ingestion.
func ValidateProduct(p Product) error {
	if p.ID == "" {
		return fmt.Errorf("validate: product id is empty: %w", ErrInvalidInput)
	}
	if p.Name == "" {
		return fmt.Errorf("validate: product %s has no name: %w", p.ID, ErrInvalidInput)
	}
	if strings.TrimSpace(p.Content) == "" {
		return fmt.Errorf("validate: product %s has no content: %w", p.ID, ErrInvalidInput)
	}
	return nil
}
