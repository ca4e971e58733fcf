package main

import "github.com/matheus3301/wsync/internal/cli"

func main() {
	cli.Execute()
}
