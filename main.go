package main

import "github.com/openagency/agencyd/cmd"

func main() {
	cmd.Execute()
}
