package main

import "twapguard/internal/cli"

func main() {
	cli.Execute()
}
