// Package password hashes and verifies secrets with argon2id.
//
// # Output format
//
// Hashes are encoded as PHC strings with unpadded base64 fields:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<key>
//
// Parameters travel with the hash, so [Hasher.NeedsRehash] can tell the engine
// to re-hash a password on the next successful login after costs were raised.
//
// The same [Hasher] stores refresh tokens: the engine persists only the PHC
// string of a refresh token, never the token itself.
//
// This package must not import any other package of the module and must never
// log plaintext input.
package password
