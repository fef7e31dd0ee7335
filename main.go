package main

import "github.com/saifelse/happypack/cmd"

func main() {
	cmd.Execute()
}
