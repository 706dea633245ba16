package main

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/term"
)

// envPassphrase lets scripts supply the key passphrase without a terminal.
const envPassphrase = "DRIVESYNC_PASSPHRASE"

// readPassphrase returns DRIVESYNC_PASSPHRASE if set, otherwise prompts on
// the terminal without echo.
func readPassphrase(prompt string) (string, error) {
	if p := os.Getenv(envPassphrase); p != "" {
		return p, nil
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("stdin is not a terminal; set %s", envPassphrase)
	}

	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return string(b), nil
}

// readNewPassphrase prompts twice and requires both entries to match.
func readNewPassphrase() (string, error) {
	if p := os.Getenv(envPassphrase); p != "" {
		return p, nil
	}

	first, err := readPassphrase("New passphrase: ")
	if err != nil {
		return "", err
	}
	if first == "" {
		return "", errors.New("passphrase must not be empty")
	}
	second, err := readPassphrase("Repeat passphrase: ")
	if err != nil {
		return "", err
	}
	if first != second {
		return "", errors.New("passphrases do not match")
	}
	return first, nil
}
