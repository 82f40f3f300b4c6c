// Package sas implements the short authentication string key agreement used
// for interactive device verification.
//
// Both devices exchange ephemeral X25519 keys (the accepting side commits to
// its key first), derive a shared secret and from it six SAS bytes that the
// users compare out of band. After confirmation each side MACs its device key
// and the list of MACed key ids under keys derived from the same secret.
package sas
