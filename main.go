package main

import "github.com/chargeline/ev-booking/cmd"

func main() {
	cmd.Execute()
}
