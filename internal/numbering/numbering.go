// Package numbering renders human-readable document numbers for invoices
// and credit notes.
package numbering

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	DefaultInvoiceTemplate    = "INV-{YYYY}{MM}-{ULID}"
	DefaultCreditNoteTemplate = "CN-{YYYY}{MM}-{ULID}"
)

// Format expands the date tokens and {ULID} in template. It is pure: the
// same inputs always give the same number.
func Format(template string, issuedAt time.Time, id ulid.ULID) (string, error) {
	if template == "" {
		return "", fmt.Errorf("number template is empty")
	}

	issuedAt = issuedAt.UTC()
	out := template
	out = strings.ReplaceAll(out, "{YYYY}", issuedAt.Format("2006"))
	out = strings.ReplaceAll(out, "{YY}", issuedAt.Format("06"))
	out = strings.ReplaceAll(out, "{MM}", issuedAt.Format("01"))
	out = strings.ReplaceAll(out, "{DD}", issuedAt.Format("02"))
	out = strings.ReplaceAll(out, "{ULID}", id.String())

	if strings.Contains(out, "{") || strings.Contains(out, "}") {
		return "", fmt.Errorf("unresolved token in number format: %s", out)
	}
	return out, nil
}

// Next renders a fresh number issued at t.
func Next(template string, t time.Time) (string, error) {
	id, err := ulid.New(ulid.Timestamp(t), rand.Reader)
	if err != nil {
		return "", err
	}
	return Format(template, t, id)
}

// Template builds the default layout for a document prefix such as "INV".
func Template(prefix string) string {
	return strings.TrimSpace(prefix) + "-{YYYY}{MM}-{ULID}"
}
