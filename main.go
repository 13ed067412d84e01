package main

import "github.com/dizel0110/ITMO-sub000/cmd"

func main() {
	cmd.Execute()
}
