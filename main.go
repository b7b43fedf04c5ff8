package main

import "github.com/andresmejia3/bioverify/cmd"

func main() {
	cmd.Execute()
}
