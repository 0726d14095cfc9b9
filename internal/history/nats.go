// Copyright 2025 Nguyen Nhat Nguyen
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package history

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/ngnhng/sahale/api"
)

var _ Log = (*NATS)(nil)

const natsFetchBatch = 256

// NATS stores every run on one JetStream stream, one subject per run. The
// conditional append publishes with the expected last sequence of the run's
// subject, so JetStream itself rejects a writer that lost the race. The
// idempotency key doubles as the message id for server-side dedupe.
type NATS struct {
	js     jetstream.JetStream
	stream jetstream.Stream

	streamName    string
	subjectPrefix string
	fetchWait     time.Duration
}

type NATSOption func(*NATS)

func WithNATSStreamName(name string) NATSOption {
	return func(n *NATS) { n.streamName = name }
}

func WithNATSSubjectPrefix(prefix string) NATSOption {
	return func(n *NATS) { n.subjectPrefix = prefix }
}

// NewNATS binds to (and creates if needed) the history stream.
func NewNATS(ctx context.Context, js jetstream.JetStream, opts ...NATSOption) (*NATS, error) {
	if js == nil {
		return nil, errors.New("jetstream context cannot be nil")
	}
	n := &NATS{
		js:            js,
		streamName:    api.RunHistoryStream,
		subjectPrefix: api.HistorySubjectPrefix,
		fetchWait:     2 * time.Second,
	}
	for _, o := range opts {
		o(n)
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       n.streamName,
		Subjects:   []string{n.subjectPrefix + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure history stream %s: %w", n.streamName, err)
	}
	n.stream = stream
	return n, nil
}

func (n *NATS) subject(runID string) string {
	return n.subjectPrefix + "." + runID
}

func (n *NATS) Append(ctx context.Context, entry api.Entry) (uint64, error) {
	if err := validate(entry); err != nil {
		return 0, err
	}
	if strings.ContainsAny(entry.RunID, ".*> ") {
		return 0, fmt.Errorf("%w: run id %q is not a valid subject token", ErrInvalidEntry, entry.RunID)
	}

	head, lastStreamSeq, err := n.head(ctx, entry.RunID)
	if err != nil {
		return 0, fmt.Errorf("append: %w", err)
	}
	if entry.Seq <= head {
		return n.settleAt(ctx, entry, head)
	}
	if entry.Seq != head+1 {
		return 0, conflict(entry, head)
	}

	msg := &nats.Msg{
		Subject: n.subject(entry.RunID),
		Data:    entry.Payload,
		Header: nats.Header{
			api.EntryKindHeader:       []string{string(entry.Kind)},
			api.EntrySequenceHeader:   []string{strconv.FormatUint(entry.Seq, 10)},
			api.IdempotencyKeyHeader:  []string{entry.IdempotencyKey},
			api.EntryRecordedAtHeader: []string{entry.RecordedAt.UTC().Format(time.RFC3339Nano)},
		},
	}

	_, err = n.js.PublishMsg(ctx, msg,
		jetstream.WithExpectLastSequencePerSubject(lastStreamSeq),
		jetstream.WithMsgID(entry.IdempotencyKey),
	)
	if err != nil {
		var apiErr *jetstream.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence {
			// Lost the race. The winner may have written this very entry.
			head, _, herr := n.head(ctx, entry.RunID)
			if herr != nil {
				return 0, fmt.Errorf("append: %w", herr)
			}
			if entry.Seq <= head {
				return n.settleAt(ctx, entry, head)
			}
			return 0, conflict(entry, head)
		}
		return 0, fmt.Errorf("append: publish: %w", err)
	}
	return entry.Seq, nil
}

func (n *NATS) settleAt(ctx context.Context, entry api.Entry, head uint64) (uint64, error) {
	existing, err := n.ReadFrom(ctx, entry.RunID, entry.Seq)
	if err != nil {
		return 0, fmt.Errorf("append: %w", err)
	}
	if len(existing) == 0 || existing[0].Seq != entry.Seq {
		return 0, conflict(entry, head)
	}
	return settle(entry, existing[0], head)
}

// head returns the run's last entry sequence and the stream sequence of the
// message holding it.
func (n *NATS) head(ctx context.Context, runID string) (uint64, uint64, error) {
	last, err := n.stream.GetLastMsgForSubject(ctx, n.subject(runID))
	if err != nil {
		if errors.Is(err, jetstream.ErrMsgNotFound) {
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("get last message: %w", err)
	}
	seq, err := strconv.ParseUint(last.Header.Get(api.EntrySequenceHeader), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("message %d is missing the entry sequence header: %w", last.Sequence, err)
	}
	return seq, last.Sequence, nil
}

func (n *NATS) ReadFrom(ctx context.Context, runID string, from uint64) ([]api.Entry, error) {
	if from == 0 {
		from = 1
	}
	head, _, err := n.head(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	if head < from {
		return nil, nil
	}

	cons, err := n.js.OrderedConsumer(ctx, n.streamName, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{n.subject(runID)},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("read: create consumer: %w", err)
	}

	entries := make([]api.Entry, 0, head-from+1)
	var seen uint64
	for seen < head {
		batch, err := cons.Fetch(natsFetchBatch, jetstream.FetchMaxWait(n.fetchWait))
		if err != nil {
			return nil, fmt.Errorf("read: fetch: %w", err)
		}
		got := 0
		for msg := range batch.Messages() {
			got++
			e, err := natsMsgToEntry(runID, msg)
			if err != nil {
				return nil, fmt.Errorf("read: %w", err)
			}
			seen = e.Seq
			if e.Seq >= from && e.Seq <= head {
				entries = append(entries, e)
			}
		}
		if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
			return nil, fmt.Errorf("read: fetch: %w", err)
		}
		if got == 0 {
			return nil, fmt.Errorf("read: run %s stalled at seq %d of %d", runID, seen, head)
		}
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("read: %w", err)
		}
	}
	return entries, nil
}

func (n *NATS) Runs(ctx context.Context) ([]string, error) {
	info, err := n.stream.Info(ctx, jetstream.WithSubjectFilter(n.subjectPrefix+".>"))
	if err != nil {
		return nil, fmt.Errorf("runs: stream info: %w", err)
	}
	ids := make([]string, 0, len(info.State.Subjects))
	for subject := range info.State.Subjects {
		ids = append(ids, strings.TrimPrefix(subject, n.subjectPrefix+"."))
	}
	sort.Strings(ids)
	return ids, nil
}

// Close is a no-op: the connection belongs to the caller.
func (n *NATS) Close() error { return nil }

func natsMsgToEntry(runID string, msg jetstream.Msg) (api.Entry, error) {
	h := msg.Headers()
	seq, err := strconv.ParseUint(h.Get(api.EntrySequenceHeader), 10, 64)
	if err != nil {
		return api.Entry{}, fmt.Errorf("message is missing the entry sequence header: %w", err)
	}
	kind := h.Get(api.EntryKindHeader)
	if kind == "" {
		return api.Entry{}, fmt.Errorf("seq %d is missing the entry kind header", seq)
	}
	recordedAt, _ := time.Parse(time.RFC3339Nano, h.Get(api.EntryRecordedAtHeader))
	return api.Entry{
		RunID:          runID,
		Seq:            seq,
		Kind:           api.EntryKind(kind),
		Payload:        msg.Data(),
		IdempotencyKey: h.Get(api.IdempotencyKeyHeader),
		RecordedAt:     recordedAt,
	}, nil
}
