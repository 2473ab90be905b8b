package main

import "wechatslave/cmd"

func main() {
	cmd.Execute()
}
