// Command keyserver runs the in-memory key directory used by olmkit during
// development and tests. It stores published device, one-time, fallback and
// cross-signing keys and hands them out again.
//
// HTTP API
//
//	POST /keys/upload
//	    Publish device keys, one-time keys and fallback keys of a device.
//
//	POST /keys/claim
//	    Take one one-time key of a device, or its fallback key once the pool
//	    is empty.
//
//	POST /keys/query
//	    Return the device keys and cross-signing keys of users.
//
//	POST /keys/device_signing/upload
//	    Publish the master, self-signing and user-signing keys of a user.
//
//	POST /keys/signatures/upload
//	    Merge extra signatures into stored device and master keys.
//
//	GET /metrics
//	    Prometheus metrics of the process.
//
// All state is held in memory and lost on exit. The server never sees private
// keys; it only stores public keys and signatures.
package main
