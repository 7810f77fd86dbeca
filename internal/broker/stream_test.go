package broker

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/chatbone/broker/internal/errs"
	"github.com/chatbone/broker/internal/keystore/storetest"
)

func TestPayloadCodec_RoundTrip(t *testing.T) {
	t.Parallel()

	in := AS2CS{
		State: StateDone,
		Result: &ResultForm{
			PhaseID:     mustV7(t),
			PhaseInfo:   "final",
			StreamToken: TextURLs{TextFmt: "hello {x}", FmtData: map[string]string{"x": "url"}},
		},
	}
	fields, err := encodePayload(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if fields["state"] != "done" {
		t.Fatalf("state field = %v", fields["state"])
	}
	if _, ok := fields["request"]; ok {
		t.Fatalf("nil field must be dropped, got %v", fields["request"])
	}
	result, ok := fields["result"].(string)
	if !ok || !json.Valid([]byte(result)) {
		t.Fatalf("composite field must travel as JSON text, got %v", fields["result"])
	}

	wire := make(map[string]string, len(fields))
	for k, v := range fields {
		wire[k] = v.(string)
	}
	out, err := decodePayload[AS2CS](wire)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Fatalf("round trip mismatch:\n in=%+v\nout=%+v", in, out)
	}
}

func TestPayload_Validate(t *testing.T) {
	t.Parallel()

	if err := (AS2CS{State: "bogus"}).validate(); !errors.Is(err, errs.ErrTypeMismatch) {
		t.Fatalf("as2cs: want ErrTypeMismatch, got %v", err)
	}
	if err := (AS2CS{State: StateProcessing}).validate(); err != nil {
		t.Fatalf("as2cs valid: %v", err)
	}
	if err := (CS2AS{Type: "bogus"}).validate(); !errors.Is(err, errs.ErrTypeMismatch) {
		t.Fatalf("cs2as: want ErrTypeMismatch, got %v", err)
	}
	if err := (CS2AS{Type: ResponseRefuse}).validate(); err != nil {
		t.Fatalf("cs2as valid: %v", err)
	}
}

func TestWriteStream_Validation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storetest.New()

	w := newWriteStream[AS2CS](store, "absent-stream")
	if _, err := w.Write(ctx, AS2CS{State: "bogus"}, WriteOpts{}); !errors.Is(err, errs.ErrTypeMismatch) {
		t.Fatalf("invalid payload: want ErrTypeMismatch, got %v", err)
	}
	// Valid payload, but the stream key was never initialized.
	if _, err := w.Write(ctx, AS2CS{State: StateProcessing}, WriteOpts{}); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("absent stream: want ErrNotFound, got %v", err)
	}
}

func TestStreams_OrderAndCheckpoints(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b, _ := newTestBroker(t, Config{})
	u := b.NewUser(mustV7(t), "alice", "pw")
	if _, err := u.Save(ctx); err != nil {
		t.Fatalf("save: %v", err)
	}
	s := NewChatSession()
	if err := u.PutChatSessions(ctx, s); err != nil {
		t.Fatalf("put: %v", err)
	}
	streams, err := s.GetStreams(ctx, StreamOpts{})
	if err != nil {
		t.Fatalf("get streams: %v", err)
	}
	defer func() { _ = streams.Close(ctx) }()

	payloads := []AS2CS{
		{State: StateProcessing, Result: &ResultForm{PhaseID: mustV7(t), StreamToken: TextURLs{TextFmt: "e1"}}},
		{State: StateProcessing, Result: &ResultForm{PhaseID: mustV7(t), StreamToken: TextURLs{TextFmt: "e2"}}},
		{State: StateDone, Result: &ResultForm{PhaseID: mustV7(t), StreamToken: TextURLs{TextFmt: "e3"}}},
	}
	var ids []string
	for _, p := range payloads {
		id, err := streams.AS2CS.Write.Write(ctx, p, WriteOpts{})
		if err != nil {
			t.Fatalf("write: %v", err)
		}
		ids = append(ids, id)
	}

	// From the beginning, in arrival order.
	reader := streams.AS2CS.Read.Bind(BindOpts{Checkpoint: "0", Count: 10, SaveCheckpoint: true})
	got, err := reader.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 3 || got[0].Result.StreamToken.TextFmt != "e1" || got[2].Result.StreamToken.TextFmt != "e3" {
		t.Fatalf("read = %+v", got)
	}
	if reader.Checkpoint() != ids[2] {
		t.Fatalf("checkpoint = %q, want %q", reader.Checkpoint(), ids[2])
	}
	got, err = reader.Read(ctx)
	if err != nil || got != nil {
		t.Fatalf("drained reader: got %v, %v", got, err)
	}

	// Binding from an entry id skips everything up to and including it.
	fromFirst := streams.AS2CS.Read.Bind(BindOpts{Checkpoint: ids[0], Count: 10})
	got, err = fromFirst.Read(ctx)
	if err != nil || len(got) != 2 || got[0].Result.StreamToken.TextFmt != "e2" {
		t.Fatalf("read from id: got %+v, %v", got, err)
	}
	if fromFirst.Checkpoint() != ids[0] {
		t.Fatalf("cursor moved without SaveCheckpoint")
	}

	// The default reader sees only entries after its creation; a bounded
	// block on a quiet stream returns empty.
	got, err = streams.AS2CS.Read.ReadBlock(ctx, 20*time.Millisecond)
	if err != nil || len(got) != 0 {
		t.Fatalf("quiet stream: got %v, %v", got, err)
	}

	// The opposite direction carries client responses.
	reply := CS2AS{Type: ResponseSupply, ResponseID: mustV7(t), Response: &TextURLs{TextFmt: "yes"}}
	if _, err := streams.CS2AS.Write.Write(ctx, reply, WriteOpts{}); err != nil {
		t.Fatalf("cs2as write: %v", err)
	}
	back, err := streams.CS2AS.Read.Bind(BindOpts{Checkpoint: "0"}).Read(ctx)
	if err != nil || len(back) != 1 || !reflect.DeepEqual(back[0], reply) {
		t.Fatalf("cs2as read: got %+v, %v", back, err)
	}
}

func TestReadStream_NextBlocks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b, _ := newTestBroker(t, Config{})
	u := b.NewUser(mustV7(t), "alice", "pw")
	if _, err := u.Save(ctx); err != nil {
		t.Fatalf("save: %v", err)
	}
	s := NewChatSession()
	if err := u.PutChatSessions(ctx, s); err != nil {
		t.Fatalf("put: %v", err)
	}
	streams, err := s.GetStreams(ctx, StreamOpts{})
	if err != nil {
		t.Fatalf("get streams: %v", err)
	}
	defer func() { _ = streams.Close(ctx) }()

	go func() {
		time.Sleep(10 * time.Millisecond)
		_, _ = streams.AS2CS.Write.Write(ctx, AS2CS{State: StateDone}, WriteOpts{})
	}()
	got, err := streams.AS2CS.Read.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if len(got) != 1 || got[0].State != StateDone {
		t.Fatalf("next = %+v", got)
	}

	// Cancellation unblocks a waiting reader.
	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := streams.AS2CS.Read.Next(cctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("cancelled next: want DeadlineExceeded, got %v", err)
	}
}
