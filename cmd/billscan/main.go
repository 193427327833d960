package main

import "github.com/MeKo-Tech/billscan/cmd/billscan/cmd"

func main() {
	cmd.Execute()
}
