package main

import "github.com/bryanchriswhite/PhoneCam/cmd/phonecam/commands"

func main() {
	commands.Execute()
}
