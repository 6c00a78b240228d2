// Package commands defines the carecrypt CLI and wires dependencies for subcommands.
//
// Commands
//
//   - init           Create the local identity and publish pre-keys
//   - fingerprint    Print the identity fingerprint, or the ones pinned for a peer
//   - rotate         Rotate the signed pre-key and top up one-time pre-keys now
//   - status         Show rotation schedule and forward-secrecy audit
//   - send           Encrypt and send a message
//   - recv           Fetch and decrypt queued messages
//   - verify         Pin a peer fingerprint compared out of band
//   - keychain       Save or forget the passphrase in the OS keychain
//
// # Implementation
//
// The root command loads configuration through viper (flags, CARECRYPT_*
// environment variables, then $HOME/.carecrypt/config.yaml), resolves the
// passphrase and builds the engine before any subcommand runs. Overdue
// scheduled work such as key rotation runs once per invocation.
package commands
