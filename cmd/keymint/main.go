package main

import "github.com/jmcleod/keymint/cmd/keymint/cmd"

func main() {
	cmd.Execute()
}
