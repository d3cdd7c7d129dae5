package main

import "github.com/coredump-labs/vmicore/cmd/vmictl/cmd"

func main() {
	cmd.Execute()
}
