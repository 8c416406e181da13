package main

import "github.com/oasisprotocol/chainhead/cmd"

func main() {
	cmd.Execute()
}
