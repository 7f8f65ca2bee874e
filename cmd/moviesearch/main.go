package main

import "github.com/user/moviesearch/internal/cli"

func main() {
	cli.Execute()
}
