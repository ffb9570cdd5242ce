package main

import "heart-rate-alerts/internal/cli"

func main() {
	cli.Execute()
}
