// cmd/oraclectl is the operator CLI for a running oracle.
//
// Usage:
//
//	oraclectl status
//	oraclectl --key $KEEPER_KEY update
//	oraclectl --key $OWNER_KEY --totp-secret $SECRET set window 10
//	oraclectl audit --db data/oracle.db
package main

import (
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
