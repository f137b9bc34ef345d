package main

import "github.com/jmcleod/tunnelca/cmd/tunnelca/cmd"

func main() {
	cmd.Execute()
}
