package main

import (
	"context"
	"fmt"
	"os"

	"jackdaw/hub/internal/store"
)

// RunCLI handles subcommand execution. Returns true if a subcommand was handled.
func RunCLI(args []string, dbPath string) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "version":
		fmt.Printf("jackdaw hub %s\n", Version)
		return true
	case "status":
		return cliStatus(dbPath)
	case "users":
		return cliUsers(dbPath)
	default:
		return false
	}
}

func cliStatus(dbPath string) bool {
	st, err := store.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	n, _ := st.UserCount(context.Background())
	fmt.Printf("Database: %s\n", dbPath)
	fmt.Printf("Users: %d\n", n)
	fmt.Printf("Version: %s\n", Version)
	return true
}

func cliUsers(dbPath string) bool {
	st, err := store.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	users, err := st.Users(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if len(users) == 0 {
		fmt.Println("No users registered.")
		return true
	}
	for _, u := range users {
		role := "member"
		if u.IsOwner {
			role = "owner"
		} else if u.HasPatchbayAccess {
			role = "patchbay"
		}
		fmt.Printf("  %-20s %-8s registered %s\n", u.Username, role, u.CreatedAt.Format("2006-01-02"))
	}
	return true
}
