// Package commands defines the olmkit CLI and wires dependencies for subcommands.
//
// Commands
//
//   - init            Create the device account and publish its keys
//   - fingerprint     Print the device identity keys
//   - upload          Publish one-time and fallback keys when needed
//   - devices         List the known devices of a user
//   - start-session   Open an olm session with a device
//   - share-room-key  Share the room key of a configured room
//   - cross-signing   Create and publish cross-signing keys
//   - export-keys     Write room keys to a passphrase protected file
//   - import-keys     Read room keys from an export file
//
// # Implementation
//
// The root command loads the config before any subcommand runs. Commands that
// need the device open the encrypted store through app.NewWire and print the
// to-device requests the machine queued, since the CLI has no sync transport
// to hand them to.
package commands
