// Package main is a development utility that generates a random HMAC secret
// for PAM_JWT_SECRET and prints it as a shell export line. Use the server's
// token subcommand afterwards to mint bearer tokens signed with it.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
)

func main() {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		log.Fatal(err)
	}

	fmt.Printf("export PAM_JWT_SECRET=%s\n", hex.EncodeToString(secret))
	fmt.Println("# then: server token --user 1 --name Admin --scopes admin")
}
