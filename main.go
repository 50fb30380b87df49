package main

import "github.com/steroids-run/steroids/cmd"

func main() {
	cmd.Execute()
}
