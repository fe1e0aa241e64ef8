// Command bfc is the command-line front end described in spec §6: an
// external collaborator over the compilation core, not part of the core
// itself. Its shape (a doMain-style entry point taking explicit
// stdin/stdout/stderr so it is independently testable) follows the
// teacher's cmd/wazero/wazero.go, adapted from hand-rolled flag.FlagSet
// subcommands to a single cobra.Command per spec §6's flat flag set.
package main

import "os"

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
