// Package main is the entry point for the Chemist control-plane server.
package main

import "github.com/chemist-sh/chemist/cmd/chemist/commands"

func main() {
	commands.Execute()
}
