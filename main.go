// The main package for the tracksync executable.
package main

import "github.com/JakeFAU/tracksync/cmd"

func main() {
	cmd.Execute()
}
