// Package sqlsafe validates SQL identifiers before they are interpolated
// into dynamic queries. Source databases do not support parameterized
// identifiers, so every schema, table, and column name that reaches a
// query string must pass through here first.
package sqlsafe

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrUnsafeIdentifier is returned when an identifier contains characters
// outside the whitelist.
var ErrUnsafeIdentifier = errors.New("unsafe SQL identifier")

// Valid identifier: letters, digits, underscores, spaces, parentheses.
var identifierRe = regexp.MustCompile(`^[\w ()]+$`)

// Qualified name: schema.table, with optional quoting on either part.
var qualifiedRe = regexp.MustCompile(`^"?[\w ]+"?\."?[\w ]+"?$`)

// ValidateIdentifier checks a single schema, table, or column name.
func ValidateIdentifier(name string) error {
	if name == "" || !identifierRe.MatchString(name) {
		return fmt.Errorf("%w: %q (only letters, digits, underscores, spaces, and parentheses are allowed)", ErrUnsafeIdentifier, name)
	}
	return nil
}

// ValidateIdentifiers checks every name in the slice.
func ValidateIdentifiers(names []string) error {
	for _, n := range names {
		if err := ValidateIdentifier(n); err != nil {
			return err
		}
	}
	return nil
}

// ValidateQualified checks a schema.table pair in one string.
func ValidateQualified(qualified string) error {
	if qualified == "" || !qualifiedRe.MatchString(qualified) {
		return fmt.Errorf("%w: %q (expected schema.table)", ErrUnsafeIdentifier, qualified)
	}
	return nil
}

// Quote validates and double-quotes an identifier.
func Quote(name string) (string, error) {
	if err := ValidateIdentifier(name); err != nil {
		return "", err
	}
	return `"` + name + `"`, nil
}

// QuoteQualified validates and quotes a schema.table pair.
func QuoteQualified(schema, table string) (string, error) {
	if err := ValidateIdentifier(schema); err != nil {
		return "", err
	}
	if err := ValidateIdentifier(table); err != nil {
		return "", err
	}
	return `"` + schema + `"."` + table + `"`, nil
}

// SplitQualified parses schema.table, tolerating quoted parts.
func SplitQualified(qualified string) (schema, table string, err error) {
	if err := ValidateQualified(qualified); err != nil {
		return "", "", err
	}
	parts := strings.SplitN(strings.ReplaceAll(qualified, `"`, ""), ".", 2)
	return parts[0], parts[1], nil
}
