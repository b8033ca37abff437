package main

import (
	"context"
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authenticate with the cloud service",
	Long:  `Login stores a session used by uploads and transaction sync.`,
	Example: `  yorutsuke login --email user@example.com
  yorutsuke login --email user@example.com --password-stdin < secret.txt`,
	RunE: runLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Clear the stored session",
	RunE:  runLogout,
}

var (
	loginEmail         string
	loginPassword      string
	loginPasswordStdin bool
)

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)

	loginCmd.Flags().StringVarP(&loginEmail, "email", "e", "",
		"Email address (required)")
	loginCmd.Flags().StringVarP(&loginPassword, "password", "p", "",
		"Password (will prompt if not provided)")
	loginCmd.Flags().BoolVar(&loginPasswordStdin, "password-stdin", false,
		"Read the password from stdin")

	_ = loginCmd.MarkFlagRequired("email")
}

func runLogin(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	if loginPassword == "" && loginPasswordStdin {
		var password string
		if _, err := fmt.Fscanln(os.Stdin, &password); err != nil {
			return fmt.Errorf("read password from stdin: %w", err)
		}
		loginPassword = password
	}

	if loginPassword == "" {
		var err error
		loginPassword, err = promptPassword("Password: ")
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
	}

	session, err := apiClient.Login(ctx, loginEmail, loginPassword)
	if err != nil {
		if jsonOutput {
			printJSON(map[string]interface{}{
				"success": false,
				"error":   err.Error(),
			})
		} else {
			printError("Login failed: %v", err)
		}
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"success": true,
			"user_id": session.UserID,
			"email":   session.Email,
		})
	} else {
		printSuccess("Logged in as %s", session.Email)
	}
	return nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	if err := apiClient.Logout(); err != nil {
		return err
	}
	if jsonOutput {
		printJSON(map[string]interface{}{"success": true})
	} else {
		printSuccess("Logged out")
	}
	return nil
}

func promptPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)

	// Read password without echo
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)

	if err != nil {
		return "", err
	}
	return string(password), nil
}
