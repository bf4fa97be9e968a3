package main

import "github.com/jmcleod/castore/cmd/castore/cmd"

func main() {
	cmd.Execute()
}
