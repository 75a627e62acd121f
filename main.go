package main

import "gpu-fusion/cmd"

func main() {
	cmd.Execute()
}
