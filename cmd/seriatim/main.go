package main

import "github.com/jmcleod/seriatim/cmd/seriatim/cmd"

func main() {
	cmd.Execute()
}
