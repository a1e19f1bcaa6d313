package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/codewandler/clstr-es/core/es"
	"github.com/codewandler/clstr-es/internal/token"
)

const (
	defaultSubjectPrefix = "clstr.es"
	defaultStoreStream   = "CLSTR_ES"
	defaultReadWait      = 2 * time.Second
	readBatchSize        = 256

	headerAggregateID = "x-aggregate-id"
	headerVersion     = "x-version"
	headerEventCount  = "x-events"
	headerEventType   = "x-event-type"
)

// commit is the payload of one stream message. All events of an Append
// travel in one message so the commit is atomic.
type commit struct {
	Events []es.Envelope `json:"events"`
}

type EventStoreConfig struct {
	Connect       Connector    // Connect is used to create the underlying NATS connection. If nil, ConnectDefault() is used.
	Log           *slog.Logger // Log for diagnostics (optional)
	SubjectPrefix string       // SubjectPrefix is the prefix of the per aggregate subjects
	StreamName    string
	Replicas      int
	// ReadWait bounds how long Read waits for each batch of the ordered
	// consumer.
	ReadWait time.Duration
}

// EventStore keeps every aggregate on its own subject
// <prefix>.<aggregate_id> of a JetStream stream, one message per commit.
// Optimistic concurrency uses the expected last sequence per subject, so
// concurrent writers are arbitrated by the server.
type EventStore struct {
	release       releaseFunc
	js            jetstream.JetStream
	stream        jetstream.Stream
	log           *slog.Logger
	subjectPrefix string
	readWait      time.Duration
}

func NewEventStore(cfg EventStoreConfig) (*EventStore, error) {
	nc, release, err := connectOrDefault(cfg.Connect)()
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		release()
		return nil, err
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	streamName := strings.ToUpper(cfg.StreamName)
	if streamName == "" {
		streamName = defaultStoreStream
	}

	subjectPrefix := cfg.SubjectPrefix
	if subjectPrefix == "" {
		subjectPrefix = defaultSubjectPrefix
	}

	readWait := cfg.ReadWait
	if readWait <= 0 {
		readWait = defaultReadWait
	}

	log = log.With(
		slog.String("store", "nats_js"),
		slog.String("stream", streamName),
		slog.String("subject_prefix", subjectPrefix),
	)

	log.Debug("ensuring stream")

	stream, streamInfo, err := ensureStream(js, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{subjectPrefix + ".>"},
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
		Replicas:  cfg.Replicas,
		MaxBytes:  -1,
		MaxMsgs:   -1,
		FirstSeq:  1,
	})
	if err != nil {
		release()
		return nil, err
	}

	log.Debug("ensured", slog.Uint64("messages", streamInfo.State.Msgs))

	return &EventStore{
		release:       release,
		js:            js,
		log:           log,
		stream:        stream,
		subjectPrefix: subjectPrefix,
		readWait:      readWait,
	}, nil
}

func (e *EventStore) Close() error {
	e.js.CleanupPublisher()
	e.release()
	e.log.Debug("closed event store")
	return nil
}

func (e *EventStore) Append(
	ctx context.Context,
	aggID string,
	expect es.ExpectedVersion,
	events []es.Envelope,
) (*es.AppendResult, error) {
	if aggID == "" {
		return nil, errors.New("aggregate id is empty")
	}

	subject := e.subject(aggID)
	current, lastSeq, err := e.head(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", es.ErrStore, err)
	}

	stamped, err := es.PrepareAppend(aggID, expect, current, events)
	if err != nil {
		return nil, err
	}
	last := stamped[len(stamped)-1].Version

	msg := natsgo.NewMsg(subject)
	msg.Header.Set(headerAggregateID, aggID)
	msg.Header.Set(headerVersion, strconv.FormatUint(last.Uint64(), 10))
	msg.Header.Set(headerEventCount, strconv.Itoa(len(stamped)))
	msg.Data, err = json.Marshal(commit{Events: stamped})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", es.ErrSerialization, err)
	}

	ack, err := e.js.PublishMsg(
		ctx,
		msg,
		jetstream.WithMsgID(stamped[0].ID),
		jetstream.WithExpectLastSequencePerSubject(lastSeq),
	)
	if err != nil {
		if isWrongLastSequence(err) {
			return nil, e.conflict(ctx, aggID, expect, current)
		}
		return nil, fmt.Errorf("%w: append to %s: %w", es.ErrStore, subject, err)
	}
	if ack.Duplicate {
		// the first envelope id was already committed; nothing was written
		return nil, e.conflict(ctx, aggID, expect, current)
	}

	e.log.Debug(
		"appended",
		slog.String("aggregate_id", aggID),
		last.SlogAttr(),
		slog.Uint64("seq", ack.Sequence),
	)

	return &es.AppendResult{Version: last, Events: stamped}, nil
}

func (e *EventStore) Read(ctx context.Context, aggID string, from es.Version) (loaded []es.Envelope, err error) {
	var (
		startAt = time.Now()
		subject = e.subject(aggID)
	)

	current, lastSeq, err := e.head(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", es.ErrStore, err)
	}
	if current <= from {
		return []es.Envelope{}, nil
	}

	defer func() {
		if err == nil {
			e.log.Debug(
				"loaded events",
				slog.String("aggregate_id", aggID),
				from.SlogAttrWithKey("from"),
				slog.Int("count", len(loaded)),
				slog.Duration("duration", time.Since(startAt)),
			)
		}
	}()

	ccfg := jetstream.OrderedConsumerConfig{
		FilterSubjects:    []string{subject},
		DeliverPolicy:     jetstream.DeliverAllPolicy,
		InactiveThreshold: 5 * time.Second,
	}
	if from > 0 {
		start, err := e.startSeq(ctx, subject, from, lastSeq)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", es.ErrStore, err)
		}
		ccfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		ccfg.OptStartSeq = start
	}

	cc, err := e.stream.OrderedConsumer(ctx, ccfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", es.ErrStore, err)
	}

	loaded = make([]es.Envelope, 0, current-from)
	var seen uint64
	for seen < lastSeq {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		mb, err := cc.Fetch(readBatchSize, jetstream.FetchMaxWait(e.readWait))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", es.ErrStore, err)
		}

		n := 0
		for msg := range mb.Messages() {
			n++
			md, err := msg.Metadata()
			if err != nil {
				return nil, fmt.Errorf("%w: %w", es.ErrStore, err)
			}
			seen = md.Sequence.Stream
			if seen > lastSeq {
				continue
			}

			var c commit
			if err := json.Unmarshal(msg.Data(), &c); err != nil {
				return nil, fmt.Errorf("%w: decode commit at seq %d: %w", es.ErrSerialization, seen, err)
			}
			for _, ev := range c.Events {
				if ev.Version > from && ev.Version <= current {
					loaded = append(loaded, ev)
				}
			}
		}
		if err := mb.Error(); err != nil && !errors.Is(err, natsgo.ErrTimeout) {
			return nil, fmt.Errorf("%w: %w", es.ErrStore, err)
		}
		if n == 0 {
			return nil, fmt.Errorf("%w: %s ended at seq %d, expected %d", es.ErrStore, subject, seen, lastSeq)
		}
	}

	return loaded, nil
}

func (e *EventStore) CurrentVersion(ctx context.Context, aggID string) (es.Version, error) {
	v, _, err := e.head(ctx, e.subject(aggID))
	if err != nil {
		return 0, fmt.Errorf("%w: %w", es.ErrStore, err)
	}
	return v, nil
}

// Aggregates lists every aggregate with at least one commit.
func (e *EventStore) Aggregates(ctx context.Context) ([]string, error) {
	prefix := e.subjectPrefix + "."
	si, err := e.stream.Info(ctx, jetstream.WithSubjectFilter(prefix+">"))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", es.ErrStore, err)
	}
	ids := make([]string, 0, len(si.State.Subjects))
	for subject := range si.State.Subjects {
		id, err := token.Unescape(strings.TrimPrefix(subject, prefix))
		if err != nil {
			e.log.Warn("skipping foreign subject", slog.String("subject", subject))
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

var (
	_ es.EventStore      = &EventStore{}
	_ es.AggregateLister = &EventStore{}
)

// --- helpers ---

func (e *EventStore) subject(aggID string) string {
	return e.subjectPrefix + "." + token.Escape(aggID)
}

// head returns the aggregate version and stream sequence of the last
// commit on subject, zeros if there is none.
func (e *EventStore) head(ctx context.Context, subject string) (es.Version, uint64, error) {
	lm, err := e.stream.GetLastMsgForSubject(ctx, subject)
	if err != nil {
		if errors.Is(err, jetstream.ErrMsgNotFound) {
			return 0, 0, nil
		}
		return 0, 0, err
	}

	v, err := commitVersion(lm)
	if err != nil {
		return 0, 0, err
	}
	return v, lm.Sequence, nil
}

// startSeq finds the stream sequence of the first commit on subject that
// holds a version above from. It bisects the stream sequences up to
// lastSeq, which must hold such a commit.
func (e *EventStore) startSeq(ctx context.Context, subject string, from es.Version, lastSeq uint64) (uint64, error) {
	found := lastSeq
	lo, hi := uint64(1), lastSeq
	for lo <= hi {
		mid := lo + (hi-lo)/2
		// the next message on subject at or after mid
		msg, err := e.stream.GetMsg(ctx, mid, jetstream.WithGetMsgSubject(subject))
		if err != nil {
			return 0, fmt.Errorf("get %s at seq %d: %w", subject, mid, err)
		}
		v, err := commitVersion(msg)
		if err != nil {
			return 0, err
		}
		if v > from {
			found = msg.Sequence
			hi = mid - 1
		} else {
			lo = msg.Sequence + 1
		}
	}
	return found, nil
}

// commitVersion returns the last aggregate version in a commit message.
func commitVersion(msg *jetstream.RawStreamMsg) (es.Version, error) {
	if h := msg.Header.Get(headerVersion); h != "" {
		v, err := strconv.ParseUint(h, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("bad %s header on seq %d: %w", headerVersion, msg.Sequence, err)
		}
		return es.Version(v), nil
	}

	var c commit
	if err := json.Unmarshal(msg.Data, &c); err != nil {
		return 0, fmt.Errorf("decode commit at seq %d: %w", msg.Sequence, err)
	}
	if len(c.Events) == 0 {
		return 0, fmt.Errorf("empty commit at seq %d", msg.Sequence)
	}
	return c.Events[len(c.Events)-1].Version, nil
}

func (e *EventStore) conflict(ctx context.Context, aggID string, expect es.ExpectedVersion, fallback es.Version) error {
	actual, _, err := e.head(ctx, e.subject(aggID))
	if err != nil {
		actual = fallback
	}
	return es.NewConcurrencyConflict(aggID, expect, actual)
}

func isWrongLastSequence(err error) bool {
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

func ensureStream(js jetstream.JetStream, cfg jetstream.StreamConfig) (s jetstream.Stream, si *jetstream.StreamInfo, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*natsgo.DefaultTimeout)
	defer cancel()

	s, err = js.CreateOrUpdateStream(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	si, err = s.Info(ctx)
	if err != nil {
		return nil, nil, err
	}
	return s, si, nil
}
