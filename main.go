package main

import "github.com/withobsrvr/flowscope/cmd"

func main() {
	cmd.Execute()
}
