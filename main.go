// The main package for the safecrawl executable.
package main

import (
	"github.com/InfinityXOneSystems/safecrawl/cmd"
)

func main() {
	cmd.Execute()
}
