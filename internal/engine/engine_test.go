package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/chunkrelay/internal/message"
	"github.com/danmuck/chunkrelay/internal/protocol/frame"
	"github.com/danmuck/chunkrelay/internal/protocol/session"
	"github.com/danmuck/chunkrelay/internal/sink"
	"github.com/danmuck/chunkrelay/internal/sink/memory"
	"github.com/danmuck/chunkrelay/internal/testutil/testlog"
)

type recorder struct {
	acks []string
}

func (r *recorder) Notify(payload []byte) error {
	r.acks = append(r.acks, string(payload))
	return nil
}

func (r *recorder) last() string {
	if len(r.acks) == 0 {
		return ""
	}
	return r.acks[len(r.acks)-1]
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *recorder, *memory.Sink) {
	t.Helper()
	testlog.Start(t)
	rec := &recorder{}
	mem := memory.New()
	e := New(cfg, rec, message.NewProcessor(mem, sink.DefaultSlot))
	e.OnConnect()
	return e, rec, mem
}

func chunkFrame(id string, index, total int, data string) []byte {
	raw, err := frame.Chunk{SessionID: id, Index: index, Total: total, Data: data}.Encode()
	if err != nil {
		panic(err)
	}
	return raw
}

func storedCode(t *testing.T, mem *memory.Sink) string {
	t.Helper()
	got, err := mem.Load(context.Background(), sink.DefaultSlot)
	if err != nil {
		t.Fatalf("load code slot: %v", err)
	}
	return got
}

func TestTwoChunkMessageAcksAndPersists(t *testing.T) {
	e, rec, mem := newTestEngine(t, DefaultConfig())

	e.OnWrite([]byte(`{"sessionId":"s1","chunkIndex":0,"totalChunks":2,"data":"{\"code\":\"print("}`))
	if rec.last() != "OK_0" {
		t.Fatalf("expected OK_0, got %v", rec.acks)
	}
	e.OnWrite([]byte(`{"sessionId":"s1","chunkIndex":1,"totalChunks":2,"data":"1)\"}"}`))
	if rec.last() != "TAMAM" || len(rec.acks) != 2 {
		t.Fatalf("expected [OK_0 TAMAM], got %v", rec.acks)
	}
	if got := storedCode(t, mem); got != "print(1)" {
		t.Fatalf("unexpected stored code: %q", got)
	}
	if st := e.Status(); st.ActiveSessions != 0 || !st.Connected {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestSingleFrameEmitsNothing(t *testing.T) {
	e, rec, mem := newTestEngine(t, DefaultConfig())
	e.OnWrite([]byte(`{"description":"hello"}`))
	if len(rec.acks) != 0 || mem.Saves() != 0 {
		t.Fatalf("single frame must be silent: acks=%v saves=%d", rec.acks, mem.Saves())
	}
}

func TestSingleFrameWithCodePersistsWithoutAck(t *testing.T) {
	e, rec, mem := newTestEngine(t, DefaultConfig())
	e.OnWrite([]byte(`{"code":"x = 1\\ny = 2"}`))
	if len(rec.acks) != 0 {
		t.Fatalf("single frame must not be acknowledged: %v", rec.acks)
	}
	if got := storedCode(t, mem); got != "x = 1\ny = 2" {
		t.Fatalf("unexpected stored code: %q", got)
	}
}

func TestChunkMissingDataFails(t *testing.T) {
	e, rec, _ := newTestEngine(t, DefaultConfig())
	e.OnWrite([]byte(`{"sessionId":"s3","chunkIndex":0,"totalChunks":2}`))
	if rec.last() != "HATA" {
		t.Fatalf("expected HATA, got %v", rec.acks)
	}
	if st := e.Status(); st.ActiveSessions != 0 {
		t.Fatalf("no session may be created: %+v", st)
	}
}

func TestUnparseableReassemblyFails(t *testing.T) {
	e, rec, mem := newTestEngine(t, DefaultConfig())
	e.OnWrite(chunkFrame("s4", 0, 2, "{not "))
	e.OnWrite(chunkFrame("s4", 1, 2, "json"))
	if strings.Join(rec.acks, ",") != "OK_0,HATA" {
		t.Fatalf("unexpected acks: %v", rec.acks)
	}
	if string(e.ReadValue()) != `{"connected":true,"active_sessions":0}` {
		t.Fatalf("unexpected read value: %s", e.ReadValue())
	}
	if mem.Saves() != 0 {
		t.Fatalf("nothing may be persisted")
	}
}

func TestNonObjectReassemblyCompletes(t *testing.T) {
	e, rec, mem := newTestEngine(t, DefaultConfig())
	e.OnWrite(chunkFrame("arr", 0, 2, "[1,"))
	e.OnWrite(chunkFrame("arr", 1, 2, "2]"))
	if len(rec.acks) != 2 || rec.acks[0] != "OK_0" || rec.acks[1] != "TAMAM" {
		t.Fatalf("expected [OK_0 TAMAM], got %v", rec.acks)
	}
	e.OnWrite(chunkFrame("str", 0, 1, `"x"`))
	if rec.last() != "TAMAM" {
		t.Fatalf("expected TAMAM for a string payload, got %v", rec.acks)
	}
	if mem.Saves() != 0 {
		t.Fatalf("a payload without fields persists nothing")
	}
	if st := e.Status(); st.ActiveSessions != 0 {
		t.Fatalf("completed sessions must be drained, got %+v", st)
	}
}

func TestUndecodableWritesAreDroppedSilently(t *testing.T) {
	e, rec, _ := newTestEngine(t, DefaultConfig())
	e.OnWrite([]byte{0xff, 0xfe, 0x00})
	e.OnWrite([]byte(`{"sessionId":`))
	e.OnWrite([]byte(`[1,2,3]`))
	e.OnWrite(nil)
	if len(rec.acks) != 0 {
		t.Fatalf("expected no notifications, got %v", rec.acks)
	}
}

func TestDuplicateChunkIsIdempotent(t *testing.T) {
	e, rec, mem := newTestEngine(t, DefaultConfig())
	e.OnWrite(chunkFrame("dup", 0, 2, `{"code":"a`))
	e.OnWrite(chunkFrame("dup", 0, 2, `{"code":"b`))
	if strings.Join(rec.acks, ",") != "OK_0,OK_0" {
		t.Fatalf("duplicate chunk must be acknowledged again: %v", rec.acks)
	}
	if st := e.Status(); st.ActiveSessions != 1 {
		t.Fatalf("expected one open session: %+v", st)
	}
	e.OnWrite(chunkFrame("dup", 1, 2, `"}`))
	if rec.last() != "TAMAM" {
		t.Fatalf("expected TAMAM, got %v", rec.acks)
	}
	if got := storedCode(t, mem); got != "b" {
		t.Fatalf("latest payload must win: %q", got)
	}
}

func TestOutOfOrderArrivalAssemblesAscending(t *testing.T) {
	e, rec, mem := newTestEngine(t, DefaultConfig())
	payload := `{"code":"print(\"ordered\")","author":"ada"}`
	chunks, err := frame.Split("perm", payload, 7)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	for i := len(chunks) - 1; i >= 0; i-- {
		raw, err := chunks[i].Encode()
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		e.OnWrite(raw)
	}
	if len(rec.acks) != len(chunks) || rec.last() != "TAMAM" {
		t.Fatalf("unexpected acks: %v", rec.acks)
	}
	for i, ack := range rec.acks[:len(rec.acks)-1] {
		want := fmt.Sprintf("OK_%d", len(chunks)-1-i)
		if ack != want {
			t.Fatalf("ack %d got=%q want=%q", i, ack, want)
		}
	}
	if got := storedCode(t, mem); got != `print("ordered")` {
		t.Fatalf("unexpected stored code: %q", got)
	}
}

func TestDisconnectClearsSessionsAndSilencesAcks(t *testing.T) {
	e, rec, _ := newTestEngine(t, DefaultConfig())
	e.OnWrite(chunkFrame("a", 0, 3, "x"))
	e.OnWrite(chunkFrame("b", 0, 3, "y"))
	if st := e.Status(); st.ActiveSessions != 2 {
		t.Fatalf("expected 2 sessions: %+v", st)
	}
	e.OnDisconnect()
	if st := e.Status(); st.Connected || st.ActiveSessions != 0 {
		t.Fatalf("disconnect must reset state: %+v", st)
	}

	before := len(rec.acks)
	e.OnWrite(chunkFrame("c", 0, 2, "z"))
	if len(rec.acks) != before {
		t.Fatalf("no notification while disconnected: %v", rec.acks)
	}
	if st := e.Status(); st.ActiveSessions != 1 {
		t.Fatalf("write while disconnected still mutates state: %+v", st)
	}

	e.OnConnect()
	if st := e.Status(); !st.Connected || st.ActiveSessions != 0 {
		t.Fatalf("connect must start empty: %+v", st)
	}
}

func TestPersistenceFailureStillCompletes(t *testing.T) {
	testlog.Start(t)
	rec := &recorder{}
	failing := sink.Func(func(context.Context, string, string) error { return errors.New("read-only fs") })
	e := New(DefaultConfig(), rec, message.NewProcessor(failing, ""))
	e.OnConnect()
	e.OnWrite(chunkFrame("p", 0, 1, `{"code":"x"}`))
	if strings.Join(rec.acks, ",") != "TAMAM" {
		t.Fatalf("persistence failure must not change ack: %v", rec.acks)
	}
}

func TestIndexOutOfRangeFailsWithoutSession(t *testing.T) {
	e, rec, _ := newTestEngine(t, DefaultConfig())
	e.OnWrite(chunkFrame("r", 5, 2, "x"))
	if rec.last() != "HATA" {
		t.Fatalf("expected HATA, got %v", rec.acks)
	}
	if st := e.Status(); st.ActiveSessions != 0 {
		t.Fatalf("fresh session must be discarded: %+v", st)
	}

	e.OnWrite(chunkFrame("r", 0, 2, "x"))
	e.OnWrite(chunkFrame("r", -1, 2, "x"))
	if strings.Join(rec.acks, ",") != "HATA,OK_0,HATA" {
		t.Fatalf("unexpected acks: %v", rec.acks)
	}
	if st := e.Status(); st.ActiveSessions != 1 {
		t.Fatalf("started session must survive a bad index: %+v", st)
	}
}

func TestTotalChunksMismatchPolicies(t *testing.T) {
	e, rec, _ := newTestEngine(t, DefaultConfig())
	e.OnWrite(chunkFrame("m", 0, 2, `{"author":`))
	e.OnWrite(chunkFrame("m", 1, 9, `"ada"}`))
	if strings.Join(rec.acks, ",") != "OK_0,TAMAM" {
		t.Fatalf("ignore policy keeps the first total: %v", rec.acks)
	}

	cfg := DefaultConfig()
	cfg.Session.Mismatch = session.MismatchReject
	e, rec, _ = newTestEngine(t, cfg)
	e.OnWrite(chunkFrame("m", 0, 2, `{"author":`))
	e.OnWrite(chunkFrame("m", 1, 9, `"ada"}`))
	if strings.Join(rec.acks, ",") != "OK_0,HATA" {
		t.Fatalf("reject policy must fail the chunk: %v", rec.acks)
	}
	if st := e.Status(); st.ActiveSessions != 1 {
		t.Fatalf("rejected chunk must not drop the session: %+v", st)
	}
}

func TestSweepEvictsIdleSessions(t *testing.T) {
	cfg := DefaultConfig()
	e, _, _ := newTestEngine(t, cfg)
	e.OnWrite(chunkFrame("idle", 0, 2, "x"))
	if n := e.Sweep(time.Now().Add(time.Hour)); n != 0 {
		t.Fatalf("sweep must be a no-op without idle timeout, evicted %d", n)
	}

	cfg.Session.IdleTimeout = time.Minute
	e, _, _ = newTestEngine(t, cfg)
	e.OnWrite(chunkFrame("idle", 0, 2, "x"))
	if n := e.Sweep(time.Now()); n != 0 {
		t.Fatalf("fresh session evicted")
	}
	if n := e.Sweep(time.Now().Add(2 * time.Minute)); n != 1 {
		t.Fatalf("expected one eviction, got %d", n)
	}
	if st := e.Status(); st.ActiveSessions != 0 {
		t.Fatalf("unexpected status after sweep: %+v", st)
	}
}
