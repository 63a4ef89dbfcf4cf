// The main package for the riptide executable.
package main

import (
	"github.com/foofork/riptide/cmd"
)

func main() {
	cmd.Execute()
}
