package jack

import (
	"context"
	"errors"
	"testing"
)

// lspSample mirrors `jack_lsp -c` output for one room client bridged to
// the system client. Connections are indented three spaces and listed
// under both endpoints.
const lspSample = `system:capture_1
   jam-1:receive_1
system:capture_2
system:playback_1
   jam-1:send_1
system:playback_2
jam-1:send_1
   system:playback_1
jam-1:receive_1
   system:capture_1
jam-1:midi_out_1
`

// fakeRunner records invocations and serves canned jack_lsp output.
type fakeRunner struct {
	lsp    string
	lspErr error
	calls  [][]string
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) (string, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	if name == "jack_lsp" {
		return f.lsp, f.lspErr
	}
	return "", nil
}

func TestSnapshotParsesClientsAndPorts(t *testing.T) {
	t.Parallel()
	a := NewWithRunner(&fakeRunner{lsp: lspSample})

	g, err := a.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(g.Clients) != 2 {
		t.Fatalf("expected 2 clients, got %d: %v", len(g.Clients), g.Clients)
	}
	if n := len(g.Clients["system"]); n != 4 {
		t.Fatalf("expected 4 system ports, got %d", n)
	}
	if n := len(g.Clients["jam-1"]); n != 3 {
		t.Fatalf("expected 3 jam-1 ports, got %d", n)
	}

	want := map[string]string{
		"system:capture_1":  DirOutput,
		"system:playback_1": DirInput,
		"jam-1:send_1":      DirOutput,
		"jam-1:receive_1":   DirInput,
	}
	for name, dir := range want {
		p, ok := g.port(name)
		if !ok {
			t.Fatalf("port %s missing from snapshot", name)
		}
		if p.Direction != dir {
			t.Fatalf("port %s: expected direction %s, got %s", name, dir, p.Direction)
		}
	}

	if p, _ := g.port("jam-1:midi_out_1"); p.Type != TypeMIDI {
		t.Fatalf("expected midi type for jam-1:midi_out_1, got %s", p.Type)
	}

	// Each edge appears once, anchored at its output port.
	if len(g.Connections) != 2 {
		t.Fatalf("expected 2 edges, got %v", g.Connections)
	}
}

func TestConnect(t *testing.T) {
	t.Parallel()
	fr := &fakeRunner{lsp: lspSample}
	a := NewWithRunner(fr)
	ctx := context.Background()

	if err := a.Connect(ctx, "system:capture_2", "system:playback_2"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	last := fr.calls[len(fr.calls)-1]
	if last[0] != "jack_connect" || last[1] != "system:capture_2" || last[2] != "system:playback_2" {
		t.Fatalf("unexpected tool invocation: %v", last)
	}
}

func TestConnectValidation(t *testing.T) {
	t.Parallel()
	a := NewWithRunner(&fakeRunner{lsp: lspSample})
	ctx := context.Background()

	if err := a.Connect(ctx, "ghost:out_1", "system:playback_2"); !errors.Is(err, ErrUnknownPort) {
		t.Fatalf("unknown source: expected ErrUnknownPort, got %v", err)
	}
	if err := a.Connect(ctx, "system:capture_2", "ghost:in_1"); !errors.Is(err, ErrUnknownPort) {
		t.Fatalf("unknown dest: expected ErrUnknownPort, got %v", err)
	}
	if err := a.Connect(ctx, "system:playback_2", "system:capture_2"); !errors.Is(err, ErrIncompatibleDirection) {
		t.Fatalf("input->output: expected ErrIncompatibleDirection, got %v", err)
	}
	if err := a.Connect(ctx, "system:capture_1", "jam-1:receive_1"); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("existing edge: expected ErrAlreadyConnected, got %v", err)
	}
}

func TestDisconnect(t *testing.T) {
	t.Parallel()
	fr := &fakeRunner{lsp: lspSample}
	a := NewWithRunner(fr)
	ctx := context.Background()

	if err := a.Disconnect(ctx, "jam-1:send_1", "system:playback_1"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	last := fr.calls[len(fr.calls)-1]
	if last[0] != "jack_disconnect" {
		t.Fatalf("unexpected tool invocation: %v", last)
	}

	if err := a.Disconnect(ctx, "system:capture_2", "system:playback_2"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("missing edge: expected ErrNotConnected, got %v", err)
	}
	if err := a.Disconnect(ctx, "ghost:out_1", "system:playback_1"); !errors.Is(err, ErrUnknownPort) {
		t.Fatalf("unknown port: expected ErrUnknownPort, got %v", err)
	}
}

func TestSnapshotToolFailure(t *testing.T) {
	t.Parallel()
	a := NewWithRunner(&fakeRunner{lspErr: errors.New("jack server not running")})

	if _, err := a.Snapshot(context.Background()); err == nil {
		t.Fatal("expected error when jack_lsp fails")
	}
}
