package main

import "github.com/ash-run/ash/cmd"

func main() {
	cmd.Execute()
}
