package main

import (
	"os"

	"github.com/design4music/sni-platform-sub000/internal/app"
)

func main() {
	os.Exit(app.Run(os.Args[1:]))
}
