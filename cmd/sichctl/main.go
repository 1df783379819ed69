// sichctl is the operator CLI for sichd: it talks to one daemon's local
// control listener (internal/cliclient) to read link status and issue
// arm/disarm/hop/power/config commands.
package main

import "github.com/sich-link/sich/cmd/sichctl/commands"

func main() {
	commands.Execute()
}
