// Package secure keeps short-lived secrets out of plain Go memory.
//
// The authentication machine caches the account password here between a
// login and a later re-authentication, and the resolver parks one-time
// codes here while a fetch is suspended. Values are held in a memguard
// enclave (encrypted at rest, mlocked when the platform allows it) and are
// only decrypted for the duration of a single cloud call.
//
//	buf := secure.NewString(password)
//	defer buf.Destroy()
//
//	plain, err := buf.Reveal()
//
// If mlock is unavailable memguard falls back to ordinary memory; the
// enclave is still encrypted.
//
// This does not protect against an attacker with access to the running
// process.
package secure
