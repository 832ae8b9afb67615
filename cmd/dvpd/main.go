package main

import (
	"log"

	"dvpsettle/cmd/internal/passphrase"
	"dvpsettle/services/dvpd"
)

func main() {
	if err := dvpd.Main(passphrase.NewSource().Get); err != nil {
		log.Fatalf("dvpd: %v", err)
	}
}
