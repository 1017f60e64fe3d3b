// Package jwt mints and verifies the engine's access, refresh and signed-payload
// tokens. Each token carries a typ claim so one kind can never be replayed as
// another.
package jwt
