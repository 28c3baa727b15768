/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package main

import "tgpipe/cmd"

func main() {
	cmd.Execute()
}
