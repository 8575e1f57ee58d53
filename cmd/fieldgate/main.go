package main

import "fieldgate.org/cmd/fieldgate/cmd"

func main() {
	cmd.Execute()
}
