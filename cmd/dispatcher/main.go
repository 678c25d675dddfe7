package main

import "opportunity-dispatch/internal/cli"

func main() {
	cli.Execute()
}
