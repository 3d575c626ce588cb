package main

import "gitlab.com/shar-workflow/taskflow/server/commands"

func main() {
	commands.Execute()
}
