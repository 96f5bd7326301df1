package main

import "cropmask/cmd"

func main() {
	cmd.Execute()
}
