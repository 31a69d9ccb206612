package main

import "go.snapstore.dev/core/cmd/snapctl/snapctlcmd"

func main() {
	snapctlcmd.RegisterProviders()
	snapctlcmd.Execute()
}
