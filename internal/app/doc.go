// Package app wires application dependencies for the CLI.
//
// It loads Config through viper, opens the key store and key directory it
// names, and builds the session engine, exposing them via the Wire struct
// for commands to use.
package app
