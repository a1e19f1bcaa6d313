package es

import (
	"fmt"
	"log/slog"
)

// Version is the 1-based position of an event within its aggregate's
// stream. The version of an aggregate is the number of committed events;
// zero means the aggregate has no events.
type Version uint64

func (v Version) Uint64() uint64                         { return uint64(v) }
func (v Version) SlogAttr() slog.Attr                    { return newSlogVersionAttr("version", v) }
func (v Version) SlogAttrWithKey(key string) slog.Attr   { return newSlogVersionAttr(key, v) }
func newSlogVersionAttr(key string, v Version) slog.Attr { return slog.Uint64(key, uint64(v)) }

// ExpectedVersion is the optimistic concurrency guard passed to Append.
//
// ExpectNoStream and ExpectVersion(0) are the same expectation: the
// aggregate must not have any events yet.
type ExpectedVersion struct {
	v Version
}

// ExpectNoStream requires that the aggregate does not exist.
func ExpectNoStream() ExpectedVersion { return ExpectedVersion{} }

// ExpectVersion requires the aggregate's current version to equal v.
func ExpectVersion(v Version) ExpectedVersion { return ExpectedVersion{v: v} }

func (e ExpectedVersion) Version() Version { return e.v }
func (e ExpectedVersion) NoStream() bool   { return e.v == 0 }

// Matches reports whether an aggregate at version current satisfies e.
func (e ExpectedVersion) Matches(current Version) bool { return e.v == current }

func (e ExpectedVersion) String() string {
	if e.NoStream() {
		return "no_stream"
	}
	return fmt.Sprintf("%d", e.v)
}

func (e ExpectedVersion) SlogAttr() slog.Attr { return slog.String("expected", e.String()) }
