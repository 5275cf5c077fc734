package cmd

import (
	"fmt"

	"github.com/common-nighthawk/go-figure"
)

func printBanner() {
	fig := figure.NewFigure("SessionGate", "cybermedium", true)
	fmt.Printf("\x1b[34m%s\x1b[0m\n", fig.String())
	fmt.Printf("\x1b[32m  Authentication Gateway - Version %s\x1b[0m\n\n", Version)
}
