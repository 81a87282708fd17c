package main

import "ledgersync/internal/cli"

func main() {
	cli.Execute()
}
