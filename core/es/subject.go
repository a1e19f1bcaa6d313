package es

import (
	"strings"

	"github.com/codewandler/clstr-es/internal/token"
)

// Subjects builds distribution log subjects of the form
//
//	<domain>.events.<aggregate_id>.<event_type>
//
// Aggregate ids and event types are escaped into single tokens, so ids
// containing '.', '*', '>' or whitespace cannot break wildcard matching.
type Subjects struct {
	Domain string
}

// DefaultDomain is used when Subjects.Domain is empty.
const DefaultDomain = "clstr"

func (s Subjects) domain() string {
	if s.Domain == "" {
		return DefaultDomain
	}
	return token.Escape(s.Domain)
}

// Event is the subject a single event is published on.
func (s Subjects) Event(aggID, eventType string) string {
	return s.domain() + ".events." + token.Escape(aggID) + "." + token.Escape(eventType)
}

// Aggregate matches every event of one aggregate.
func (s Subjects) Aggregate(aggID string) string {
	return s.domain() + ".events." + token.Escape(aggID) + ".>"
}

// EventType matches one event type across all aggregates.
func (s Subjects) EventType(eventType string) string {
	return s.domain() + ".events.*." + token.Escape(eventType)
}

// All matches every event of the domain.
func (s Subjects) All() string { return s.domain() + ".events.>" }

// MatchSubject reports whether subject matches filter using NATS wildcard
// rules: '*' matches exactly one token and a trailing '>' matches one or
// more tokens.
func MatchSubject(filter, subject string) bool {
	if filter == "" || filter == ">" {
		return subject != ""
	}
	ft := strings.Split(filter, ".")
	st := strings.Split(subject, ".")
	for i, f := range ft {
		if f == ">" {
			return i == len(ft)-1 && len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if f != "*" && f != st[i] {
			return false
		}
	}
	return len(ft) == len(st)
}
