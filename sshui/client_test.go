package sshui

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	gliderssh "github.com/gliderlabs/ssh"

	"pkt.systems/pslog"
	"pkt.systems/termwire/core"
	"pkt.systems/termwire/schema"
)

type stubService struct {
	registerFn   func(context.Context, schema.RegisterSurfaceRequest, core.Surface) (schema.RegisterSurfaceResponse, error)
	unregisterFn func(context.Context, schema.UnregisterSurfaceRequest) (schema.UnregisterSurfaceResponse, error)
	bindFn       func(context.Context, schema.BindRequest) (schema.BindResponse, error)
	detachFn     func(context.Context, schema.DetachRequest) (schema.DetachResponse, error)
	sendInputFn  func(context.Context, schema.SendInputRequest) (schema.SendInputResponse, error)
	resizeFn     func(context.Context, schema.ResizeRequest) (schema.ResizeResponse, error)
	replayFn     func(context.Context, schema.ReplayRequest) (schema.ReplayResponse, error)
	selectFn     func(context.Context, schema.SelectSessionRequest) (schema.SelectSessionResponse, error)
	listFn       func(context.Context, schema.ListSessionsRequest) (schema.ListSessionsResponse, error)
	refreshFn    func(context.Context, schema.RefreshDirectoryRequest) (schema.RefreshDirectoryResponse, error)
	stateFn      func(context.Context, schema.BindingStateRequest) (schema.BindingStateResponse, error)
	closeFn      func(context.Context) error
}

func (s *stubService) RegisterSurface(ctx context.Context, req schema.RegisterSurfaceRequest, surface core.Surface) (schema.RegisterSurfaceResponse, error) {
	if s.registerFn != nil {
		return s.registerFn(ctx, req, surface)
	}
	return schema.RegisterSurfaceResponse{}, errors.New("unexpected RegisterSurface")
}

func (s *stubService) UnregisterSurface(ctx context.Context, req schema.UnregisterSurfaceRequest) (schema.UnregisterSurfaceResponse, error) {
	if s.unregisterFn != nil {
		return s.unregisterFn(ctx, req)
	}
	return schema.UnregisterSurfaceResponse{}, errors.New("unexpected UnregisterSurface")
}

func (s *stubService) Bind(ctx context.Context, req schema.BindRequest) (schema.BindResponse, error) {
	if s.bindFn != nil {
		return s.bindFn(ctx, req)
	}
	return schema.BindResponse{}, errors.New("unexpected Bind")
}

func (s *stubService) Detach(ctx context.Context, req schema.DetachRequest) (schema.DetachResponse, error) {
	if s.detachFn != nil {
		return s.detachFn(ctx, req)
	}
	return schema.DetachResponse{}, errors.New("unexpected Detach")
}

func (s *stubService) SendInput(ctx context.Context, req schema.SendInputRequest) (schema.SendInputResponse, error) {
	if s.sendInputFn != nil {
		return s.sendInputFn(ctx, req)
	}
	return schema.SendInputResponse{}, errors.New("unexpected SendInput")
}

func (s *stubService) Resize(ctx context.Context, req schema.ResizeRequest) (schema.ResizeResponse, error) {
	if s.resizeFn != nil {
		return s.resizeFn(ctx, req)
	}
	return schema.ResizeResponse{}, errors.New("unexpected Resize")
}

func (s *stubService) Replay(ctx context.Context, req schema.ReplayRequest) (schema.ReplayResponse, error) {
	if s.replayFn != nil {
		return s.replayFn(ctx, req)
	}
	return schema.ReplayResponse{}, errors.New("unexpected Replay")
}

func (s *stubService) SelectSession(ctx context.Context, req schema.SelectSessionRequest) (schema.SelectSessionResponse, error) {
	if s.selectFn != nil {
		return s.selectFn(ctx, req)
	}
	return schema.SelectSessionResponse{}, errors.New("unexpected SelectSession")
}

func (s *stubService) ListSessions(ctx context.Context, req schema.ListSessionsRequest) (schema.ListSessionsResponse, error) {
	if s.listFn != nil {
		return s.listFn(ctx, req)
	}
	return schema.ListSessionsResponse{}, errors.New("unexpected ListSessions")
}

func (s *stubService) RefreshDirectory(ctx context.Context, req schema.RefreshDirectoryRequest) (schema.RefreshDirectoryResponse, error) {
	if s.refreshFn != nil {
		return s.refreshFn(ctx, req)
	}
	return schema.RefreshDirectoryResponse{}, errors.New("unexpected RefreshDirectory")
}

func (s *stubService) BindingState(ctx context.Context, req schema.BindingStateRequest) (schema.BindingStateResponse, error) {
	if s.stateFn != nil {
		return s.stateFn(ctx, req)
	}
	return schema.BindingStateResponse{}, errors.New("unexpected BindingState")
}

func (s *stubService) Close(ctx context.Context) error {
	if s.closeFn != nil {
		return s.closeFn(ctx)
	}
	return errors.New("unexpected Close")
}

type rwPair struct {
	io.Reader
	io.Writer
}

func newTestClient(svc core.Service, out io.Writer) *client {
	c := newClient(rwPair{Reader: strings.NewReader(""), Writer: out}, svc, nil, "ssh:alice", pslog.Ctx(context.Background()))
	c.SetSize(80, 24)
	c.tabID = "tab-1"
	return c
}

func TestClientAttachBindsSelectedSession(t *testing.T) {
	var selected []schema.SessionID
	var bound []schema.BindRequest
	svc := &stubService{
		selectFn: func(_ context.Context, req schema.SelectSessionRequest) (schema.SelectSessionResponse, error) {
			selected = append(selected, req.SessionID)
			return schema.SelectSessionResponse{}, nil
		},
		bindFn: func(_ context.Context, req schema.BindRequest) (schema.BindResponse, error) {
			bound = append(bound, req)
			return schema.BindResponse{TabID: req.TabID, SessionID: req.SessionID}, nil
		},
	}
	out := &bytes.Buffer{}
	c := newTestClient(svc, out)
	c.mode = modePicker
	c.altScreen = true
	c.picker.SetDirectory(pickerFixture())

	if quit := c.handleKey(context.Background(), key{kind: keyEnter}); quit {
		t.Fatal("enter must not quit")
	}

	if len(selected) != 1 || selected[0] != "sess-1" {
		t.Fatalf("selected = %v, want [sess-1]", selected)
	}
	if len(bound) != 1 {
		t.Fatalf("bind calls = %d, want 1", len(bound))
	}
	want := schema.BindRequest{TabID: "tab-1", Project: "/work/blog", SessionID: "sess-1"}
	if bound[0] != want {
		t.Fatalf("bind request = %+v, want %+v", bound[0], want)
	}
	if c.mode != modeRelay {
		t.Fatalf("mode = %v, want relay", c.mode)
	}
	if c.altScreen {
		t.Fatal("alt screen still active after attach")
	}
	if !strings.Contains(out.String(), "\x1b[?1049l") {
		t.Fatal("alt screen exit sequence not written")
	}
	if !strings.Contains(out.String(), "ctrl-] detaches") {
		t.Fatal("detach hint not written")
	}
}

func TestClientNewSessionSkipsSelect(t *testing.T) {
	var bound []schema.BindRequest
	selects := 0
	svc := &stubService{
		selectFn: func(context.Context, schema.SelectSessionRequest) (schema.SelectSessionResponse, error) {
			selects++
			return schema.SelectSessionResponse{}, nil
		},
		bindFn: func(_ context.Context, req schema.BindRequest) (schema.BindResponse, error) {
			bound = append(bound, req)
			return schema.BindResponse{}, nil
		},
	}
	c := newTestClient(svc, &bytes.Buffer{})
	c.mode = modePicker
	c.picker.SetDirectory(pickerFixture())

	c.handleKey(context.Background(), key{kind: keyRune, r: 'n'})

	if selects != 0 {
		t.Fatalf("selects = %d, want 0 for a new session", selects)
	}
	if len(bound) != 1 || bound[0].SessionID != "" || bound[0].Project != "/work/blog" {
		t.Fatalf("bind request = %+v, want new session in /work/blog", bound)
	}
}

func TestClientRelayForwardsAndDetaches(t *testing.T) {
	var sent [][]byte
	detaches := 0
	var listReqs []schema.ListSessionsRequest
	svc := &stubService{
		sendInputFn: func(_ context.Context, req schema.SendInputRequest) (schema.SendInputResponse, error) {
			sent = append(sent, append([]byte(nil), req.Data...))
			return schema.SendInputResponse{}, nil
		},
		detachFn: func(context.Context, schema.DetachRequest) (schema.DetachResponse, error) {
			detaches++
			return schema.DetachResponse{}, nil
		},
		listFn: func(_ context.Context, req schema.ListSessionsRequest) (schema.ListSessionsResponse, error) {
			listReqs = append(listReqs, req)
			return schema.ListSessionsResponse{Projects: pickerFixture()}, nil
		},
	}
	out := &bytes.Buffer{}
	c := newTestClient(svc, out)
	c.mode = modeRelay

	if quit := c.handleInput(context.Background(), []byte("abc\x1dxyz")); quit {
		t.Fatal("detach must not quit")
	}

	if len(sent) != 1 || !bytes.Equal(sent[0], []byte("abc")) {
		t.Fatalf("sent = %q, want only bytes before the escape", sent)
	}
	if detaches != 1 {
		t.Fatalf("detaches = %d, want 1", detaches)
	}
	if c.mode != modePicker {
		t.Fatal("expected picker mode after detach")
	}
	if !c.altScreen {
		t.Fatal("expected alt screen after detach")
	}
	if !strings.Contains(out.String(), "\x1b[?1049h") {
		t.Fatal("alt screen enter sequence not written")
	}
	if len(listReqs) != 1 || !listReqs[0].Refresh {
		t.Fatalf("list requests = %+v, want one refreshing listing", listReqs)
	}
}

func TestClientRelayPlainChunkStaysBound(t *testing.T) {
	var sent [][]byte
	svc := &stubService{
		sendInputFn: func(_ context.Context, req schema.SendInputRequest) (schema.SendInputResponse, error) {
			sent = append(sent, append([]byte(nil), req.Data...))
			return schema.SendInputResponse{}, nil
		},
	}
	c := newTestClient(svc, &bytes.Buffer{})
	c.mode = modeRelay

	payload := []byte("ls -la\r\x00\xff")
	c.handleInput(context.Background(), payload)

	if len(sent) != 1 || !bytes.Equal(sent[0], payload) {
		t.Fatalf("sent = %q, want the chunk verbatim", sent)
	}
	if c.mode != modeRelay {
		t.Fatal("mode changed without the escape key")
	}
}

func TestClientResumeRebindsClosedChannel(t *testing.T) {
	var bound []schema.BindRequest
	replays := 0
	svc := &stubService{
		bindFn: func(_ context.Context, req schema.BindRequest) (schema.BindResponse, error) {
			bound = append(bound, req)
			return schema.BindResponse{}, nil
		},
		replayFn: func(context.Context, schema.ReplayRequest) (schema.ReplayResponse, error) {
			replays++
			return schema.ReplayResponse{Bytes: 7}, nil
		},
	}
	out := &bytes.Buffer{}
	c := newTestClient(svc, out)

	c.resume(context.Background(), schema.BindingSnapshot{
		TabID:     "tab-1",
		Project:   "/work/blog",
		SessionID: "sess-1",
		State:     schema.ChannelClosed,
	})

	want := schema.BindRequest{TabID: "tab-1", Project: "/work/blog", SessionID: "sess-1"}
	if len(bound) != 1 || bound[0] != want {
		t.Fatalf("bind requests = %+v, want %+v", bound, want)
	}
	if replays != 1 {
		t.Fatalf("replays = %d, want 1", replays)
	}
	if c.mode != modeRelay {
		t.Fatal("expected relay mode after resume")
	}
	if !strings.Contains(out.String(), "ctrl-] detaches") {
		t.Fatal("detach hint not written on resume")
	}
}

func TestClientResumeLiveChannelSkipsBind(t *testing.T) {
	binds := 0
	replays := 0
	svc := &stubService{
		bindFn: func(context.Context, schema.BindRequest) (schema.BindResponse, error) {
			binds++
			return schema.BindResponse{}, nil
		},
		replayFn: func(context.Context, schema.ReplayRequest) (schema.ReplayResponse, error) {
			replays++
			return schema.ReplayResponse{}, nil
		},
	}
	c := newTestClient(svc, &bytes.Buffer{})

	c.resume(context.Background(), schema.BindingSnapshot{
		TabID:     "tab-1",
		Project:   "/work/blog",
		SessionID: "sess-1",
		State:     schema.ChannelOpen,
	})

	if binds != 0 {
		t.Fatalf("binds = %d, want 0 for a live channel", binds)
	}
	if replays != 1 {
		t.Fatalf("replays = %d, want 1", replays)
	}
	if c.mode != modeRelay {
		t.Fatal("expected relay mode after resume")
	}
}

func TestClientDirectoryErrorKeepsRowsAndShowsNotice(t *testing.T) {
	svc := &stubService{
		listFn: func(context.Context, schema.ListSessionsRequest) (schema.ListSessionsResponse, error) {
			return schema.ListSessionsResponse{}, errors.New("gateway timeout")
		},
	}
	c := newTestClient(svc, &bytes.Buffer{})
	c.picker.SetDirectory(pickerFixture())
	before := len(c.picker.rows)

	c.reloadDirectory(context.Background(), true)

	if !strings.Contains(c.notice, "directory unavailable") {
		t.Fatalf("notice = %q, want directory unavailable", c.notice)
	}
	if len(c.picker.rows) != before {
		t.Fatalf("rows changed on error: %d -> %d", before, len(c.picker.rows))
	}
}

func TestClientQuitKeys(t *testing.T) {
	c := newTestClient(&stubService{}, &bytes.Buffer{})
	c.mode = modePicker
	for _, k := range []key{{kind: keyCtrlC}, {kind: keyCtrlD}, {kind: keyRune, r: 'q'}} {
		if !c.handleKey(context.Background(), k) {
			t.Fatalf("key %+v did not quit", k)
		}
	}
	if c.handleKey(context.Background(), key{kind: keyRune, r: 'j'}) {
		t.Fatal("j must not quit")
	}
}

func TestClientRunRegistersAndQuits(t *testing.T) {
	registered := make(chan schema.RegisterSurfaceRequest, 1)
	svc := &stubService{
		registerFn: func(_ context.Context, req schema.RegisterSurfaceRequest, surface core.Surface) (schema.RegisterSurfaceResponse, error) {
			registered <- req
			return schema.RegisterSurfaceResponse{TabID: "tab-9"}, nil
		},
		resizeFn: func(_ context.Context, req schema.ResizeRequest) (schema.ResizeResponse, error) {
			return schema.ResizeResponse{Geometry: req.Geometry}, nil
		},
		stateFn: func(context.Context, schema.BindingStateRequest) (schema.BindingStateResponse, error) {
			return schema.BindingStateResponse{}, nil
		},
		listFn: func(context.Context, schema.ListSessionsRequest) (schema.ListSessionsResponse, error) {
			return schema.ListSessionsResponse{Projects: pickerFixture()}, nil
		},
	}

	pr, pw := io.Pipe()
	defer pw.Close()
	out := &lockedBuffer{}
	c := newClient(rwPair{Reader: pr, Writer: out}, svc, nil, "ssh:alice@SHA256abc", pslog.Ctx(context.Background()))
	c.SetSize(80, 24)

	done := make(chan error, 1)
	go func() {
		done <- c.Run(context.Background(), make(chan gliderssh.Window))
	}()

	select {
	case req := <-registered:
		if req.Scope != "ssh:alice@SHA256abc" {
			t.Fatalf("registered scope = %q", req.Scope)
		}
	case <-time.After(time.Second):
		t.Fatal("RegisterSurface never called")
	}

	if _, err := pw.Write([]byte("q")); err != nil {
		t.Fatalf("write quit key: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("run did not return after quit")
	}
	if !strings.Contains(out.String(), "termwire") {
		t.Fatal("picker frame never rendered")
	}
	if !strings.Contains(out.String(), "\x1b[?1049l") {
		t.Fatal("alt screen not restored on quit")
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
