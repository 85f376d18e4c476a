package service

import (
	"strings"
	"time"
)

// eventTimeLayouts are the formats the provider has been observed to
// emit. Order matters: RFC3339 is the documented format, the other two
// show up from older gateway versions.
var eventTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05-0700",
	"2006-01-02 15:04:05 MST",
}

// parseEventTime parses a provider timestamp defensively. An empty or
// unparsable value falls back to the receipt time so a cosmetic field
// can never fail an event.
func parseEventTime(raw string, receivedAt time.Time) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return receivedAt
	}
	for _, layout := range eventTimeLayouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			return parsed
		}
	}
	return receivedAt
}
