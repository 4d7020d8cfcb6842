package sshterminal

import "fmt"

// ControlKind tags a ControlMessage.
type ControlKind int

const (
	// ControlClose ends the session.
	ControlClose ControlKind = iota
	// ControlResize forwards new terminal geometry to the remote side.
	ControlResize
)

func (k ControlKind) String() string {
	switch k {
	case ControlClose:
		return "close"
	case ControlResize:
		return "resize"
	default:
		return fmt.Sprintf("ControlKind(%d)", int(k))
	}
}

// Terminal dimensions above these are refused by Handle.Resize.
const (
	MaxTermCols = 500
	MaxTermRows = 500
)

// ControlMessage is sent by the display side to a running bridge. Columns
// and Rows are only meaningful for ControlResize.
type ControlMessage struct {
	Kind    ControlKind
	Columns uint32
	Rows    uint32
}

// CloseMessage asks the bridge to shut down.
func CloseMessage() ControlMessage { return ControlMessage{Kind: ControlClose} }

// ResizeMessage asks the bridge to send a window-change.
func ResizeMessage(cols, rows uint32) ControlMessage {
	return ControlMessage{Kind: ControlResize, Columns: cols, Rows: rows}
}

func (m ControlMessage) String() string {
	if m.Kind == ControlResize {
		return fmt.Sprintf("resize %dx%d", m.Columns, m.Rows)
	}
	return m.Kind.String()
}
