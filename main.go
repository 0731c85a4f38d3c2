package main

import "github.com/tomodachingu/tomobot/cmd"

func main() {
	cmd.Execute()
}
