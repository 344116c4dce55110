// Package main is the entry point for the erplink CLI.
package main

import "github.com/prodash/erplink/internal/cli"

func main() {
	cli.Execute()
}
