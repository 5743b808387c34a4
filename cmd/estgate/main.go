package main

import "github.com/jmcleod/estgate/cmd/estgate/cmd"

func main() {
	cmd.Execute()
}
