package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/chatbone/broker/internal/errs"
	"github.com/chatbone/broker/internal/keystore"
)

// Stream payloads. AS2CS flows assistant -> client, CS2AS flows back.
// On the wire each payload is a flat string-keyed map: primitive fields
// pass through, everything else is JSON-encoded per field.

// StreamState marks whether the assistant is still working or streaming
// its final result.
type StreamState string

const (
	StateProcessing StreamState = "processing"
	StateDone       StreamState = "done"
)

// ResponseType says whether the client supplied the requested information
// or refused.
type ResponseType string

const (
	ResponseSupply ResponseType = "supply"
	ResponseRefuse ResponseType = "refuse"
)

// TextURLs is a message string with format placeholders resolved through
// object-store URLs.
type TextURLs struct {
	TextFmt string            `json:"text_fmt"`
	FmtData map[string]string `json:"fmt_data,omitempty"`
}

// RequestForm asks the client for more information.
type RequestForm struct {
	RequestID uuid.UUID `json:"request_id"`
	Message   *TextURLs `json:"message,omitempty"`
}

// ResultForm is one assistant phase; entries sharing a phase id are
// concatenated by the client.
type ResultForm struct {
	PhaseID     uuid.UUID `json:"phase_id"`
	PhaseInfo   string    `json:"phase_info,omitempty"`
	StreamToken TextURLs  `json:"stream_token"`
}

// AS2CS is the assistant-to-client payload. Once State is done, everything
// after is part of the final result.
type AS2CS struct {
	Request *RequestForm `json:"request,omitempty"`
	Result  *ResultForm  `json:"result,omitempty"`
	State   StreamState  `json:"state"`
}

func (d AS2CS) validate() error {
	if d.State != StateProcessing && d.State != StateDone {
		return fmt.Errorf("as2cs state %q: %w", d.State, errs.ErrTypeMismatch)
	}
	return nil
}

// CS2AS is the client-to-assistant payload answering a RequestForm.
type CS2AS struct {
	Type       ResponseType `json:"type"`
	ResponseID uuid.UUID    `json:"response_id"`
	Response   *TextURLs    `json:"response,omitempty"`
}

func (d CS2AS) validate() error {
	if d.Type != ResponseSupply && d.Type != ResponseRefuse {
		return fmt.Errorf("cs2as type %q: %w", d.Type, errs.ErrTypeMismatch)
	}
	return nil
}

// Payload is the closed union of stream data kinds.
type Payload interface {
	AS2CS | CS2AS
	validate() error
}

// encodePayload flattens a payload into stream fields: string fields stay
// raw, nulls are dropped, composite values travel as JSON text.
func encodePayload[T Payload](data T) (map[string]any, error) {
	buf, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(buf, &fields); err != nil {
		return nil, err
	}
	out := make(map[string]any, len(fields))
	for k, raw := range fields {
		if string(raw) == "null" {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			out[k] = s
			continue
		}
		out[k] = string(raw)
	}
	return out, nil
}

// decodePayload reverses encodePayload: each field value is parsed as JSON
// when it is valid JSON, otherwise kept as a raw string.
func decodePayload[T Payload](fields map[string]string) (T, error) {
	m := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		if json.Valid([]byte(v)) {
			m[k] = json.RawMessage(v)
			continue
		}
		q, err := json.Marshal(v)
		if err != nil {
			var zero T
			return zero, err
		}
		m[k] = q
	}
	var out T
	buf, err := json.Marshal(m)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(buf, &out); err != nil {
		return out, fmt.Errorf("decode stream entry: %w", err)
	}
	return out, nil
}

// WriteStream appends payloads to one direction of a session's stream
// pair. Streams are created only by ChatSession.GetStreams; a write to a
// missing key fails with ErrNotFound rather than creating it.
type WriteStream[T Payload] struct {
	store keystore.Store
	key   string
}

func newWriteStream[T Payload](store keystore.Store, key string) *WriteStream[T] {
	return &WriteStream[T]{store: store, key: key}
}

// WriteOpts tunes post-append trimming. MaxLen == 0 leaves the stream
// untrimmed. The default approximate trim over-retains for throughput;
// Exact pays for a strict bound. Limit caps removals per call.
type WriteOpts struct {
	MaxLen int64
	Exact  bool
	Limit  int64
}

// Write validates and appends one payload, returning the new entry id.
func (w *WriteStream[T]) Write(ctx context.Context, data T, opts WriteOpts) (string, error) {
	if err := data.validate(); err != nil {
		return "", err
	}
	values, err := encodePayload(data)
	if err != nil {
		return "", err
	}
	return w.store.XAdd(ctx, keystore.XAddArgs{
		Stream:     w.key,
		Values:     values,
		MaxLen:     opts.MaxLen,
		Exact:      opts.Exact,
		Limit:      opts.Limit,
		NoMkStream: true,
	})
}

// ReadStream yields payloads appended after its checkpoint, in arrival
// order. A reader's default checkpoint is "$": only entries arriving after
// the reader was created. Readers do not distinguish an absent stream from
// an empty one; both read as empty.
type ReadStream[T Payload] struct {
	store          keystore.Store
	key            string
	checkpoint     string
	count          int64
	saveCheckpoint bool
}

func newReadStream[T Payload](store keystore.Store, key string) *ReadStream[T] {
	return &ReadStream[T]{store: store, key: key, checkpoint: "$", count: 1}
}

// BindOpts derives a reader with independent cursor state; zero values
// inherit from the source reader.
type BindOpts struct {
	Checkpoint     string
	Count          int64
	SaveCheckpoint bool
}

// Bind returns a new reader over the same stream key. This is the
// supported way to restart consumption from an arbitrary point.
func (r *ReadStream[T]) Bind(opts BindOpts) *ReadStream[T] {
	n := &ReadStream[T]{store: r.store, key: r.key, checkpoint: r.checkpoint, count: r.count, saveCheckpoint: r.saveCheckpoint}
	if opts.Checkpoint != "" {
		n.checkpoint = opts.Checkpoint
	}
	if opts.Count > 0 {
		n.count = opts.Count
	}
	if opts.SaveCheckpoint {
		n.saveCheckpoint = true
	}
	return n
}

// Checkpoint reports the reader's cursor (advanced only when the reader
// was bound with SaveCheckpoint).
func (r *ReadStream[T]) Checkpoint() string { return r.checkpoint }

// Read returns immediately with whatever is available past the checkpoint.
func (r *ReadStream[T]) Read(ctx context.Context) ([]T, error) {
	return r.read(ctx, "", 0, -1)
}

// ReadBlock waits up to block for new entries; block == 0 waits
// indefinitely for at least one.
func (r *ReadStream[T]) ReadBlock(ctx context.Context, block time.Duration) ([]T, error) {
	return r.read(ctx, "", 0, block)
}

// ReadFrom reads past an explicit checkpoint without touching the
// reader's own cursor defaults.
func (r *ReadStream[T]) ReadFrom(ctx context.Context, checkpoint string, count int64, block time.Duration) ([]T, error) {
	return r.read(ctx, checkpoint, count, block)
}

// Next blocks until the next batch arrives. Looping over Next is the
// iterator form: an unbounded sequence of entry batches.
func (r *ReadStream[T]) Next(ctx context.Context) ([]T, error) {
	return r.read(ctx, "", 0, 0)
}

func (r *ReadStream[T]) read(ctx context.Context, checkpoint string, count int64, block time.Duration) ([]T, error) {
	if checkpoint == "" {
		checkpoint = r.checkpoint
	}
	if count <= 0 {
		count = r.count
	}
	entries, err := r.store.XRead(ctx, r.key, checkpoint, count, block)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	out := make([]T, 0, len(entries))
	for _, e := range entries {
		v, err := decodePayload[T](e.Fields)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if r.saveCheckpoint {
		r.checkpoint = entries[len(entries)-1].ID
	}
	return out, nil
}
