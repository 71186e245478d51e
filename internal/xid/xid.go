package xid

import (
	"strings"

	"github.com/google/uuid"
)

func New(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return prefix + "-" + id.String()
}

// Invoice returns a human-readable invoice number, e.g. INV-20261016-3F9A1C2B.
func Invoice(date string) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return "INV-" + date + "-" + suffix
}
