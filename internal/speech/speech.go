// Package speech delivers rendered agent text to the participant.
//
// The stage engine only ever hands plain text to an Output. Turning that text into audio, chat messages
// or websocket frames is the concern of the concrete implementation.
package speech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// Output is the speech-output capability used by the stage engine.
type Output interface {
	// Say delivers text spoken by the agent in the given session.
	Say(ctx context.Context, sessionID, text string) error
}

// OutputFunc adapts a plain function to the Output interface.
type OutputFunc func(ctx context.Context, sessionID, text string) error

// Say calls f(ctx, sessionID, text).
func (f OutputFunc) Say(ctx context.Context, sessionID, text string) error {
	return f(ctx, sessionID, text)
}

// Discard drops everything it is given.
var Discard Output = OutputFunc(func(context.Context, string, string) error { return nil })

// WriterOutput prints agent speech to an io.Writer, one line per utterance.
type WriterOutput struct {
	mu     sync.Mutex
	w      io.Writer
	prefix string
}

// NewWriterOutput creates a WriterOutput. prefix is printed before every line, e.g. "Agent: ".
func NewWriterOutput(w io.Writer, prefix string) *WriterOutput {
	return &WriterOutput{w: w, prefix: prefix}
}

// Say writes text to the underlying writer.
func (o *WriterOutput) Say(ctx context.Context, sessionID, text string) error {
	if text == "" {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, err := fmt.Fprintf(o.w, "%s%s\n", o.prefix, text); err != nil {
		return fmt.Errorf("failed to write speech for session %s: %w", sessionID, err)
	}
	return nil
}

// Multi fans text out to every output in order. All outputs are attempted; their errors are joined.
func Multi(outputs ...Output) Output {
	list := make([]Output, 0, len(outputs))
	for _, o := range outputs {
		if o != nil {
			list = append(list, o)
		}
	}
	if len(list) == 1 {
		return list[0]
	}
	return multiOutput(list)
}

type multiOutput []Output

func (m multiOutput) Say(ctx context.Context, sessionID, text string) error {
	var errs []error
	for _, o := range m {
		if err := o.Say(ctx, sessionID, text); err != nil {
			slog.Warn("speech.Multi: output failed", "sessionID", sessionID, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Relay forwards speech to outputs that attach and detach while a session is live,
// such as websocket connections.
type Relay struct {
	mu        sync.Mutex
	nextID    int
	listeners map[int]Output
}

// NewRelay creates a Relay with no listeners.
func NewRelay() *Relay {
	return &Relay{listeners: make(map[int]Output)}
}

// Attach adds o as a listener. The returned function detaches it and is safe to call more than once.
func (r *Relay) Attach(o Output) (detach func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = o
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.listeners, id)
	}
}

// Listeners returns the number of attached outputs.
func (r *Relay) Listeners() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listeners)
}

// Say forwards text to every attached listener. With no listeners the text is dropped.
func (r *Relay) Say(ctx context.Context, sessionID, text string) error {
	r.mu.Lock()
	listeners := make([]Output, 0, len(r.listeners))
	for _, o := range r.listeners {
		listeners = append(listeners, o)
	}
	r.mu.Unlock()

	var errs []error
	for _, o := range listeners {
		if err := o.Say(ctx, sessionID, text); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
