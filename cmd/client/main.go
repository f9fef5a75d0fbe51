package main

import (
	"context"
	"log"

	"ten-dreams/client/internal/app"
)

func main() {
	if err := app.Run(context.Background()); err != nil {
		log.Fatalf("%v", err)
	}
}
