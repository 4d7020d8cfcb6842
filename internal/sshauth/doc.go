// Package sshauth logs in to an SSH server with the keys of a running key
// agent.
//
// [DialAgent] connects to the agent and [CredentialSource.Identities] lists
// its keys in the order the agent reports them. [Authenticator] opens the
// transport first, then offers each identity in that order until the server
// accepts one. Private keys never leave the agent.
//
// Failures are classified so callers can tell them apart with errors.Is and
// errors.As:
//
//   - [ErrAgentUnavailable]: no socket configured, or the agent cannot be reached.
//   - [ErrNoIdentities]: the agent holds no keys.
//   - [*TransportError]: dial, key exchange or host key rejection.
//   - [*AuthExhaustedError] (matches [ErrAuthExhausted]): every identity was rejected.
//
// # Log Prefixes
//
// [ssh-agent] for the credential source, [ssh-auth] for login attempts.
package sshauth
