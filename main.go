package main

import "github.com/devicelab-dev/appquery/pkg/cli"

func main() {
	cli.Execute()
}
