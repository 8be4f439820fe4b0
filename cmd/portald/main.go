// Command portald runs the portalsync development backend.
package main

import (
	"log"

	"portalsync/cmd/internal/app"
)

func main() {
	if err := app.RunServer(); err != nil {
		log.Fatal(err)
	}
}
