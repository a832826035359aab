package main

import "github.com/relaykit/relay/cmd"

func main() {
	cmd.Execute()
}
