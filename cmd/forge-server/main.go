package main

import (
	"fmt"
	"os"
)

//go:generate swag init -g main.go -d ./,../../pkg/forge -o ../../api/openapi --outputTypes json,yaml --parseDependency

// @title Forge API
// @version 1.0
// @description Administration API for Mattrax device management tenants.

// @contact.name Mattrax
// @contact.url https://github.com/mattrax/forge

// @license.name AGPL-3.0
// @license.url https://www.gnu.org/licenses/agpl-3.0.html

// @BasePath /api

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Session token, also accepted from the session cookie. Format: "Bearer {token}"

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
