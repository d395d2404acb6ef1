package main

import (
	_ "embed"
	"io"
	"os"
	"text/template"
)

//go:embed verdant.service
var verdantServiceEmbed string

type VerdantServiceParams struct {
	BinaryPath string
	User       string
	ConfigPath string
}

// SystemdServiceFile writes a unit file for the running binary to w.
func SystemdServiceFile(w io.Writer, user, configPath string) error {
	tmpl, err := template.New("verdant.service").Parse(verdantServiceEmbed)
	if err != nil {
		return err
	}

	path, err := os.Executable()
	if err != nil {
		return err
	}

	params := VerdantServiceParams{
		BinaryPath: path,
		User:       user,
		ConfigPath: configPath,
	}
	return tmpl.Execute(w, params)
}
