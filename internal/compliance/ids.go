package compliance

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"closeloop/internal/dates"
)

// Clock is the time source for bundle creation and escalation scans.
type Clock = dates.Clock

// IDSource hands out raw unique tokens. Prefixes are added by the caller.
type IDSource interface {
	NewID() string
}

// UUIDSource draws random v4 UUIDs.
type UUIDSource struct{}

func (UUIDSource) NewID() string { return uuid.NewString() }

// IDFunc adapts a plain function to IDSource.
type IDFunc func() string

func (f IDFunc) NewID() string { return f() }

const maxIDAttempts = 5

func caseToken(raw string) string {
	tok := strings.ToUpper(strings.ReplaceAll(raw, "-", ""))
	if len(tok) > 8 {
		tok = tok[:8]
	}
	return tok
}

// CaseID formats a case identifier: CASE-<year>-<8 uppercase chars>.
func CaseID(year int, raw string) string {
	return fmt.Sprintf("CASE-%04d-%s", year, caseToken(raw))
}

// fresh draws ids from src until taken reports one as free. After
// maxIDAttempts clashes the last candidate is returned anyway; uniqueness is
// then enforced by the store's primary key.
func fresh(src IDSource, format func(string) string, taken func(string) bool) string {
	var id string
	for i := 0; i < maxIDAttempts; i++ {
		id = format(src.NewID())
		if taken == nil || !taken(id) {
			return id
		}
	}
	return id
}
