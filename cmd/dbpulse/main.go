package main

import (
	"github.com/RevanthMeda/dbpulse/cmd/dbpulse/commands"
)

func main() {
	commands.Execute()
}
