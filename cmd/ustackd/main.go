// Command ustackd runs the ustack TCP/IP stack as a standalone daemon over
// a Linux tap interface, with Prometheus metrics and built-in echo services.
package main

import "github.com/nilknarf/ustack/cmd/ustackd/commands"

func main() {
	commands.Execute()
}
