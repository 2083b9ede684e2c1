package util

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// ULIDs sort by creation time, which keeps index pages warm and dashboards
// readable. Each entity gets its own prefix.

func NewCampaignID() string  { return "cmp_" + newULID() }
func NewRecipientID() string { return "rcp_" + newULID() }
func NewAttemptID() string   { return "att_" + newULID() }

func newULID() string {
	t := time.Now().UTC()
	return ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}

func NowUTC() time.Time {
	return time.Now().UTC()
}

func NormalizePhone(p string) string {
	// strip whitespace only; full E.164 validation is the executor's problem
	return strings.ReplaceAll(strings.TrimSpace(p), " ", "")
}
