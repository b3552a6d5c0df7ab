package main

import "github.com/endorses/rtsphelper/cmd"

func main() {
	cmd.Execute()
}
