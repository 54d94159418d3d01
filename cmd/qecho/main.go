package main

import (
	"log"

	"go.qecho.dev/qecho/pkg/qechocmd"
)

func main() {
	if err := qechocmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
