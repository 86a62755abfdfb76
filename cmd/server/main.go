package main

import "digichat/cmd/cli"

func main() {
	cli.Execute()
}
