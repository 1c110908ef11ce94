// main.go
// Application entry point: hands the command line to the roomchat CLI.
package main

import "github.com/erilali/roomchat/internal/cli"

func main() {
	cli.Execute()
}
