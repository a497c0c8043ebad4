package main

import "github.com/JJ-Ju/multi-cli/internal/cli"

func main() {
	cli.Execute()
}
