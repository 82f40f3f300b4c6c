// Package machine is the single entry point an embedding client talks to.
//
// A Machine owns one device: it wires the account, identity, session,
// message, group, key request and verification services over one store and
// one key server, routes everything a sync delivered to the right service,
// and queues the to-device messages those services produce until the caller
// reports them as sent. Nothing here performs transport I/O besides the
// narrow key server calls the services already make.
package machine
