// The main package for the regwatch executable.
package main

import (
	"github.com/JakeFAU/regwatch/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
