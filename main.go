package main

import "clawgate/cmd"

func main() {
	cmd.Execute()
}
