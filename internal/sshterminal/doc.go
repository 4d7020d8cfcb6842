// Package sshterminal bridges a local pseudo-terminal to an interactive shell
// on a remote SSH server.
//
// A display process calls [Spawn] with a [Config] and gets a [Handle] back at
// once. The handle owns the master end of a fresh PTY; a background goroutine
// owns the slave end, authenticates with the user's key agent, opens a shell
// channel and relays bytes in both directions until one side ends or the
// display asks it to stop.
//
// # Core Components
//
//   - [Config]: Validated session parameters, built with [NewConfig] and
//     [Option] values.
//   - [Handle]: What the display holds. Read and write [Handle.Master], call
//     [Handle.Resize] or [Handle.SyncSize] on window changes and
//     [Handle.Close] to end the session.
//   - [ControlMessage]: Close and resize requests queued from the handle to
//     the relay loop.
//   - [Manager]: Tracks several handles, the way a tab strip would.
//   - [SessionRecording]: Optional asciinema v2 capture saved when the session
//     ends, encrypted with fernet when a key is configured.
//
// # Relay Loop
//
// The loop gives control messages priority over data and never blocks on
// either side. Watcher goroutines poll the slave for readability and, while
// remote output is waiting for a display that stopped reading, for
// writability; sends to the remote run on their own goroutine. Bytes from the
// remote are written to the slave in arrival order and bytes from the PTY are
// sent in read order, without newline translation in either direction.
//
// The session ends when:
//
//   - the display sends Close (or the handle is closed): the channel is closed;
//   - the remote closes its output: the channel is already gone. An
//     unanswered keepalive ([WithKeepalive]) drops the transport and ends
//     the session the same way;
//   - the local PTY reaches EOF or hangs up;
//   - a write to either side fails.
//
// In every case the transport is closed and the slave is released before the
// handle reports done, even when the peer stopped answering. Closing a
// session that is still being set up ends it with [EndClosed] and no error.
//
// # Session Lifecycle
//
//  1. [StateConnecting] when spawned.
//  2. [StateAuthenticating] once the server's host key is accepted.
//  3. [StateActive] once authentication succeeds.
//  4. [StateClosing] while resources are released.
//  5. [StateClosed], terminal. Failures before authentication succeeds skip
//     straight here.
//
// # Log Prefixes
//
// The relay loop and state changes log at the [bridge] prefix. Manager
// operations log at the [session-mgr] prefix.
package sshterminal
