package main

import "github.com/bryanchriswhite/capturetool/cmd/capturetool/commands"

func main() {
	commands.Execute()
}
