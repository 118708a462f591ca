package main

import "vizexport/cmd"

func main() {
	cmd.Execute()
}
