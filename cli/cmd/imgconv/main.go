package main

import "imageConverter/cli/commands"

func main() {
	commands.Execute()
}
