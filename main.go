package main

import (
	"os"

	"github.com/coal/recaptchaedge/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
