package events

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/BTreeMap/BulkPipe/internal/whatsapp"
)

// TerminalQRSink renders pairing codes on a terminal so an operator at the
// console can link a device without the HTTP API.
type TerminalQRSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewTerminalQRSink writes to w.
func NewTerminalQRSink(w io.Writer) *TerminalQRSink {
	return &TerminalQRSink{w: w}
}

// Send renders session.qr events and ignores the rest.
func (t *TerminalQRSink) Send(ctx context.Context, e Event) error {
	if e.Type != TypeSessionQR || e.QRCode == "" {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := fmt.Fprintf(t.w, "Scan to link operator %s:\n", e.OwnerID); err != nil {
		return err
	}
	whatsapp.WriteQRTerminal(t.w, e.QRCode)
	return nil
}

func (t *TerminalQRSink) Close() error { return nil }

var _ Sink = (*TerminalQRSink)(nil)
