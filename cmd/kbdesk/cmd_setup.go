package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/user/kbdesk/internal/config"
	"github.com/user/kbdesk/internal/scheduler"
)

func init() {
	rootCmd.AddCommand(setupCmd)
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive setup wizard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		scanner := bufio.NewScanner(os.Stdin)

		fmt.Println("kbdesk Setup Wizard")
		fmt.Println("Press Enter to accept the default value shown in brackets.")
		fmt.Println()

		cfg.APIURL = prompt(scanner, "API base URL", cfg.APIURL)

		pollStr := prompt(scanner, "Processing poll interval (ms)", strconv.Itoa(cfg.PollIntervalMS))
		if n, err := strconv.Atoi(pollStr); err == nil && n > 0 {
			cfg.PollIntervalMS = n
		}

		maxTokensStr := prompt(scanner, "Preview token limit (0 = unlimited)", strconv.Itoa(cfg.Preview.MaxTokens))
		if n, err := strconv.Atoi(maxTokensStr); err == nil && n >= 0 {
			cfg.Preview.MaxTokens = n
		}

		for {
			schedule := prompt(scanner, "Watch refresh schedule", cfg.Sync.RefreshSchedule)
			if err := scheduler.Validate(schedule); err != nil {
				fmt.Println("  invalid schedule:", err)
				continue
			}
			cfg.Sync.RefreshSchedule = schedule
			break
		}

		token, err := promptPassword(scanner, "Telegram bot token (optional)", cfg.Telegram.Token)
		if err != nil {
			return err
		}
		cfg.Telegram.Token = token
		if cfg.Telegram.Token != "" {
			chatStr := prompt(scanner, "Telegram chat id", strconv.FormatInt(cfg.Telegram.ChatID, 10))
			if n, err := strconv.ParseInt(chatStr, 10, 64); err == nil {
				cfg.Telegram.ChatID = n
			}
			if !contains(cfg.Notify, "telegram:") {
				cfg.Notify = append(cfg.Notify, "telegram:")
			}
		}

		cfg.Telemetry.Endpoint = prompt(scanner, "OTLP trace endpoint (optional)", cfg.Telemetry.Endpoint)

		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}

		fmt.Println()
		fmt.Println("Configuration saved to", cfgPath)
		return nil
	},
}

// prompt displays a labeled prompt with a default value and reads user input.
// If the user enters nothing, the default is returned.
func prompt(scanner *bufio.Scanner, label, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", label, defaultVal)
	} else {
		fmt.Printf("%s: ", label)
	}
	if scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input != "" {
			return input
		}
	}
	return defaultVal
}

// Swapped in tests.
var (
	isTerminal   = term.IsTerminal
	readPassword = term.ReadPassword
)

// promptPassword reads a secret without echo when stdin is a terminal, and
// falls back to a plain line read otherwise. Empty input keeps defaultVal,
// which is never printed.
func promptPassword(scanner *bufio.Scanner, label, defaultVal string) (string, error) {
	if defaultVal != "" {
		label += " [keep current]"
	}
	fmt.Printf("%s: ", label)

	var input string
	if fd := int(os.Stdin.Fd()); isTerminal(fd) {
		b, err := readPassword(fd)
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		input = string(b)
	} else if scanner.Scan() {
		input = scanner.Text()
	}

	if input = strings.TrimSpace(input); input != "" {
		return input, nil
	}
	return defaultVal, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
