package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// passwordEnv supplies the password for non-interactive use.
const passwordEnv = "SESSIONGATE_PASSWORD"

// runOffline builds components against persistent storage, runs fn and
// releases everything afterwards.
func runOffline(cmd *cobra.Command, fn func(ctx context.Context, c *components) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	c, err := buildComponents(ctx, cfg, newLogger(), true)
	if err != nil {
		return err
	}
	defer c.close()
	return fn(ctx, c)
}

// readPassword takes the password from the flag, then the environment,
// then the first line of stdin.
func readPassword(cmd *cobra.Command, flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if v := os.Getenv(passwordEnv); v != "" {
		return v, nil
	}
	fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	pw := strings.TrimRight(line, "\r\n")
	if pw == "" {
		return "", errors.New("no password given")
	}
	return pw, nil
}
