package main

import "casebridge/cmd/cli"

func main() {
	cli.Execute()
}
