// Package relay is the development key directory: an in-memory Directory
// that implements domain.KeyServer, a chi based HTTP Server exposing it, and
// a Client that speaks to that server.
//
// All requests are JSON POSTs. Failures come back as {"errcode", "error"}
// bodies which the client maps onto the domain error sentinels, so callers
// can test for domain.ErrNoOneTimeKeyOnline whichever side of the wire they
// are on.
package relay
