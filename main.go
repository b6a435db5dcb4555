package main

import "github.com/tidegate/tidegate/cmd"

func main() {
	cmd.Execute()
}
