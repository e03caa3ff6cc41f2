package loopback

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/danmuck/chunkrelay/internal/engine"
	"github.com/danmuck/chunkrelay/internal/message"
	"github.com/danmuck/chunkrelay/internal/sink"
	"github.com/danmuck/chunkrelay/internal/sink/memory"
	"github.com/danmuck/chunkrelay/internal/testutil/testlog"
)

func TestServeReplaysLinesThroughEngine(t *testing.T) {
	testlog.Start(t)
	var out bytes.Buffer
	link := New(&out)
	mem := memory.New()
	e := engine.New(engine.DefaultConfig(), link, message.NewProcessor(mem, sink.DefaultSlot))

	input := strings.Join([]string{
		"#connect",
		`{"sessionId":"s1","chunkIndex":0,"totalChunks":2,"data":"{\"code\":\"print("}`,
		"#status",
		`{"sessionId":"s1","chunkIndex":1,"totalChunks":2,"data":"1)\"}"}`,
		`{"description":"hello"}`,
		"# a comment",
		"",
		"#status",
		"#disconnect",
		"#status",
	}, "\n")
	if err := link.Serve(context.Background(), strings.NewReader(input), e, e, false); err != nil {
		t.Fatalf("serve: %v", err)
	}

	want := strings.Join([]string{
		"OK_0",
		`{"connected":true,"active_sessions":1}`,
		"TAMAM",
		`{"connected":true,"active_sessions":0}`,
		`{"connected":false,"active_sessions":0}`,
	}, "\n") + "\n"
	if out.String() != want {
		t.Fatalf("unexpected output:\n%s\nwant:\n%s", out.String(), want)
	}
	if got, _ := mem.Load(context.Background(), sink.DefaultSlot); got != "print(1)" {
		t.Fatalf("unexpected stored code: %q", got)
	}
}

func TestServeAutoConnect(t *testing.T) {
	testlog.Start(t)
	var out bytes.Buffer
	link := New(&out)
	e := engine.New(engine.DefaultConfig(), link, nil)

	input := `{"sessionId":"x","chunkIndex":0,"totalChunks":1,"data":"{}"}` + "\n"
	if err := link.Serve(context.Background(), strings.NewReader(input), e, nil, true); err != nil {
		t.Fatalf("serve: %v", err)
	}
	if out.String() != "TAMAM\n" {
		t.Fatalf("unexpected output: %q", out.String())
	}
	if st := e.Status(); st.Connected {
		t.Fatalf("auto connect must disconnect at end: %+v", st)
	}
}

func TestServeStopsOnCancelledContext(t *testing.T) {
	testlog.Start(t)
	link := New(&bytes.Buffer{})
	e := engine.New(engine.DefaultConfig(), link, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := link.Serve(ctx, strings.NewReader("#connect\n"), e, e, false); err == nil {
		t.Fatalf("expected context error")
	}
}
