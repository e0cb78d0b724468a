package main

import (
	"os"

	"github.com/uwb-bootstrap/uwb-ranging-server/cmd/uwbctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
