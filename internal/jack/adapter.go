// Package jack adapts the local JACK audio kernel's port graph for the
// hub. Queries and mutations go through the standard command-line tools
// (jack_lsp, jack_connect, jack_disconnect); the kernel itself owns the
// graph, so every snapshot is advisory and may lag.
package jack

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// commandTimeout bounds every call into the JACK tools so a wedged kernel
// cannot stall the HTTP pool.
const commandTimeout = 5 * time.Second

var (
	// ErrUnknownPort is returned when a named port is not in the graph.
	ErrUnknownPort = errors.New("unknown port")
	// ErrIncompatibleDirection is returned when the source is not an
	// output or the destination is not an input.
	ErrIncompatibleDirection = errors.New("incompatible port directions")
	// ErrAlreadyConnected is returned when the requested edge exists.
	ErrAlreadyConnected = errors.New("ports already connected")
	// ErrNotConnected is returned when disconnecting a missing edge.
	ErrNotConnected = errors.New("ports not connected")
)

// Port directions and types as exposed over the API.
const (
	DirOutput = "output"
	DirInput  = "input"

	TypeAudio = "audio"
	TypeMIDI  = "midi"
)

// Port is one named endpoint in the kernel's graph.
type Port struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Direction   string   `json:"direction"`
	Connections []string `json:"connections"`
}

// Graph is a point-in-time snapshot of the kernel's port graph.
type Graph struct {
	Clients     map[string][]Port `json:"clients"`
	Connections [][2]string       `json:"connections"`
}

// Runner executes one external command and returns its stdout. Tests
// inject a canned implementation; production uses execRunner.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// Adapter queries and mutates the JACK graph. It holds no graph state of
// its own; the kernel serialises concurrent connect/disconnect requests.
type Adapter struct {
	run Runner
}

// New creates an adapter using the real JACK command-line tools.
func New() *Adapter {
	return &Adapter{run: execRunner{}}
}

// NewWithRunner creates an adapter with a custom command runner.
func NewWithRunner(r Runner) *Adapter {
	return &Adapter{run: r}
}

// Snapshot returns the current set of clients and ports.
func (a *Adapter) Snapshot(ctx context.Context) (Graph, error) {
	out, err := a.run.Run(ctx, "jack_lsp", "-c")
	if err != nil {
		return Graph{}, fmt.Errorf("jack_lsp: %w", err)
	}
	return parseGraph(out), nil
}

// Connect creates an edge from an output port to an input port. The
// snapshot check happens first so expected failures surface as typed
// errors instead of tool stderr.
func (a *Adapter) Connect(ctx context.Context, source, dest string) error {
	g, err := a.Snapshot(ctx)
	if err != nil {
		return err
	}
	src, ok := g.port(source)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPort, source)
	}
	dst, ok := g.port(dest)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPort, dest)
	}
	if src.Direction != DirOutput || dst.Direction != DirInput {
		return fmt.Errorf("%w: %s (%s) -> %s (%s)",
			ErrIncompatibleDirection, source, src.Direction, dest, dst.Direction)
	}
	if g.connected(source, dest) {
		return fmt.Errorf("%w: %s -> %s", ErrAlreadyConnected, source, dest)
	}

	if _, err := a.run.Run(ctx, "jack_connect", source, dest); err != nil {
		return fmt.Errorf("jack_connect %s %s: %w", source, dest, err)
	}
	return nil
}

// Disconnect removes an existing edge.
func (a *Adapter) Disconnect(ctx context.Context, source, dest string) error {
	g, err := a.Snapshot(ctx)
	if err != nil {
		return err
	}
	if _, ok := g.port(source); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPort, source)
	}
	if _, ok := g.port(dest); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPort, dest)
	}
	if !g.connected(source, dest) {
		return fmt.Errorf("%w: %s -> %s", ErrNotConnected, source, dest)
	}

	if _, err := a.run.Run(ctx, "jack_disconnect", source, dest); err != nil {
		return fmt.Errorf("jack_disconnect %s %s: %w", source, dest, err)
	}
	return nil
}

func (g Graph) port(name string) (Port, bool) {
	client, _, ok := strings.Cut(name, ":")
	if !ok {
		return Port{}, false
	}
	for _, p := range g.Clients[client] {
		if p.Name == name {
			return p, true
		}
	}
	return Port{}, false
}

// connected reports whether an edge exists in either listing direction.
// jack_lsp lists connections under both endpoints.
func (g Graph) connected(source, dest string) bool {
	if p, ok := g.port(source); ok {
		for _, c := range p.Connections {
			if c == dest {
				return true
			}
		}
	}
	return false
}

// parseGraph turns `jack_lsp -c` output into a Graph. Unindented lines
// are port names; indented lines are connections of the preceding port.
func parseGraph(out string) Graph {
	g := Graph{Clients: make(map[string][]Port)}

	var (
		current string
		conns   []string
	)
	flush := func() {
		if current == "" {
			return
		}
		addPort(&g, current, conns)
		current, conns = "", nil
	}

	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "   ") {
			conns = append(conns, strings.TrimSpace(line))
			continue
		}
		flush()
		current = strings.TrimSpace(line)
	}
	flush()

	// Edge list from output ports only; jack_lsp lists every edge twice.
	seen := make(map[[2]string]struct{})
	for _, ports := range g.Clients {
		for _, p := range ports {
			if p.Direction != DirOutput {
				continue
			}
			for _, c := range p.Connections {
				key := [2]string{p.Name, c}
				if _, dup := seen[key]; dup {
					continue
				}
				seen[key] = struct{}{}
				g.Connections = append(g.Connections, key)
			}
		}
	}
	return g
}

func addPort(g *Graph, full string, conns []string) {
	client, short, ok := strings.Cut(full, ":")
	if !ok {
		return
	}
	// jack_lsp also prints type-description pseudo clients; skip them.
	lc := strings.ToLower(client)
	if strings.Contains(lc, "bit") && (strings.Contains(lc, "float") || strings.Contains(lc, "raw")) {
		return
	}
	for _, p := range g.Clients[client] {
		if p.Name == full {
			return
		}
	}
	g.Clients[client] = append(g.Clients[client], Port{
		Name:        full,
		Type:        portType(short),
		Direction:   portDirection(short, len(conns) > 0),
		Connections: conns,
	})
}

// portDirection infers direction from JACK naming conventions: capture
// ports produce audio (outputs of the system client), playback ports
// consume it (inputs).
func portDirection(short string, hasConns bool) string {
	name := strings.ToLower(short)
	for _, kw := range []string{"send", "capture", "output", "out"} {
		if strings.Contains(name, kw) {
			return DirOutput
		}
	}
	for _, kw := range []string{"receive", "playback", "input", "in"} {
		if strings.Contains(name, kw) {
			return DirInput
		}
	}
	if hasConns {
		return DirOutput
	}
	return DirInput
}

func portType(short string) string {
	if strings.Contains(strings.ToLower(short), "midi") {
		return TypeMIDI
	}
	return TypeAudio
}
