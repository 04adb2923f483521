package main

import "github.com/hlindberg/mqttproto/cmd"

func main() {
	cmd.Execute()
}
