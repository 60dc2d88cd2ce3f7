package main

import "github.com/bananajs/banana/internal/cmd"

func main() {
	cmd.Execute()
}
