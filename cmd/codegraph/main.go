package main

import (
	"github.com/codegraphhq/codegraph/cmd/codegraph/commands"
)

func main() {
	commands.Execute()
}
