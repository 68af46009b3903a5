package main

import "github.com/0xcro3dile/coursetutor-go/internal/cli"

func main() {
	cli.Execute()
}
