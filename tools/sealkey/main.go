// Package main generates and validates master field keys.
//
// Every deployment needs SEAL_ENCRYPTION_KEY set to the base64 encoding of
// a 32-byte key; the GM and every LM in a fleet must share it or vault
// payloads will not decrypt.
//
// Usage:
//
//	go run tools/sealkey/main.go              # print a fresh key
//	go run tools/sealkey/main.go -check KEY   # validate an existing key
package main

import (
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"os"
	"strings"
)

const keyLen = 32

func main() {
	check := flag.String("check", "", "validate an existing base64 key instead of generating one")
	flag.Parse()

	if *check != "" {
		if err := validate(*check); err != nil {
			fmt.Fprintf(os.Stderr, "invalid key: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("key is valid")
		return
	}

	key := make([]byte, keyLen)
	if _, err := rand.Read(key); err != nil {
		fmt.Fprintf(os.Stderr, "generate key: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(base64.StdEncoding.EncodeToString(key))
}

func validate(encoded string) error {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return fmt.Errorf("not standard base64: %w", err)
	}
	if len(key) != keyLen {
		return fmt.Errorf("decodes to %d bytes, want %d", len(key), keyLen)
	}
	return nil
}
