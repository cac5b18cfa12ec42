package main

import (
	"log"

	"webhook-rules/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		log.Fatal(err)
	}
}
