package main

import "github.com/goosewin/promptmatrix/cmd"

func main() {
	cmd.Execute()
}
