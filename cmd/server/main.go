package main

import "ledgerflow/cmd/cli"

func main() {
	cli.Execute()
}
