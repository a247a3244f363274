package config

import (
	"flag"
	"os"

	"github.com/dmitrijs2005/hwidauth/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   HTTP bind address (e.g., ":8080")
//	-d string   PostgreSQL DSN
//	-k string   signing key, hex encoded
//	-f string   file holding the hex encoded signing key
//	-t string   admin token
//	-l string   log level (debug|info|warn|error)
//
// os.Args is filtered to the flags above first, so -c/-config and other
// components' flags pass through untouched.
func parseFlags(config *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-d", "-k", "-f", "-t", "-l"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.HTTPAddr, "a", config.HTTPAddr, "address and port to run server")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.SigningKey, "k", config.SigningKey, "hex encoded signing key")
	fs.StringVar(&config.SigningKeyFile, "f", config.SigningKeyFile, "signing key file")
	fs.StringVar(&config.AdminToken, "t", config.AdminToken, "admin token")
	fs.StringVar(&config.LogLevel, "l", config.LogLevel, "log level")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}
}
