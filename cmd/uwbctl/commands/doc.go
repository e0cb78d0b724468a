// Package commands defines the uwbctl CLI.
//
// Commands
//
//   - controller   Advertise session parameters and range with the first Controlee
//   - controlee    Scan for a Controller, fetch its parameters and range with it
//   - encode       Build a parameter frame and print it as hex
//   - decode       Parse a hex parameter frame and print its fields
//
// # Implementation
//
// The ranging commands load the server config file for the radio and UWB
// settings, run one handshake and print positions until interrupted. They
// share nothing with a running ranging-server, so the adapter must be free.
package commands
