package main

import "github.com/nextlevelbuilder/attache/cmd"

func main() {
	cmd.Execute()
}
