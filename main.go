// The main package for the runlens executable.
package main

import (
	"github.com/runlens/runlens/cmd"
)

func main() {
	cmd.Execute()
}
