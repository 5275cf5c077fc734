package main

import "github.com/hablas/sessiongate/cmd/sessiongate/cmd"

func main() {
	cmd.Execute()
}
