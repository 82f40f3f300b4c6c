// Package app wires the crypto machine for the CLI.
//
// It reads Config from the home directory and the environment, resolves the
// store passphrase, opens the encrypted badger store and the key server
// client, and exposes the result through the Wire struct for commands to use.
package app
