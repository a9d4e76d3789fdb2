package main

import "github.com/relaymesh/relaymesh/internal/cli"

func main() {
	cli.Execute()
}
