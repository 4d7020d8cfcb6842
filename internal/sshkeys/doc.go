// Package sshkeys decides which server host keys a session trusts and holds
// the small key helpers shared by the SSH packages.
//
// # Host Key Verification
//
// Every verifier implements [HostKeyVerifier] and is plugged into the SSH
// handshake through [Callback]:
//
//   - [AcceptAny]: trusts every key and logs its fingerprint. This is the
//     default and a known security gap: there is no pinning and no
//     trust-on-first-use store.
//   - [PinnedFingerprint]: accepts one key by SHA256 fingerprint and returns
//     a [*FingerprintMismatchError] otherwise.
//   - [KnownHosts]: checks OpenSSH known_hosts files.
//
// [FromPolicy] maps the configured policy name to one of these.
//
// # Log Prefixes
//
// Warnings are logged with the [sshkeys] prefix.
package sshkeys
