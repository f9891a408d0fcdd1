package main

import "price-pulse/internal/cli"

func main() {
	cli.Execute()
}
