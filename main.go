package main

import "github.com/abdulraoufatia/atlasbridge/cmd"

func main() {
	cmd.Execute()
}
