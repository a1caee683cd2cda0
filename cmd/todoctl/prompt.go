package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/huh"

	"github.com/al-bashkir/todoctl/internal/idp"
)

// promptCredentials asks for whatever part of the credentials is missing.
func promptCredentials(creds *idp.Credentials) error {
	var fields []huh.Field

	if creds.Email == "" {
		fields = append(fields, huh.NewInput().
			Title("E-mail").
			Value(&creds.Email).
			Validate(func(s string) error {
				if strings.TrimSpace(s) == "" {
					return errors.New("e-mail is required")
				}
				return nil
			}))
	}
	if creds.Password == "" {
		fields = append(fields, huh.NewInput().
			Title("Password").
			EchoMode(huh.EchoModePassword).
			Value(&creds.Password).
			Validate(func(s string) error {
				if s == "" {
					return errors.New("password is required")
				}
				return nil
			}))
	}
	if len(fields) == 0 {
		return nil
	}

	if err := huh.NewForm(huh.NewGroup(fields...)).Run(); err != nil {
		return fmt.Errorf("prompt failed: %w", err)
	}
	creds.Email = strings.TrimSpace(creds.Email)
	return nil
}

// promptConfirm displays a yes/no confirmation prompt.
func promptConfirm(message string) (bool, error) {
	confirmed := false

	form := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().Title(message).Value(&confirmed),
	))
	if err := form.Run(); err != nil {
		return false, fmt.Errorf("prompt failed: %w", err)
	}
	return confirmed, nil
}

// readPassword reads the first line of r.
func readPassword(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	pw := strings.TrimRight(line, "\r\n")
	if pw == "" {
		return "", errors.New("empty password on stdin")
	}
	return pw, nil
}
