package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/DMShort/DadLink/store"
)

// RunCLI handles subcommand execution. Returns true if a subcommand was
// handled (and the process should exit instead of serving).
func RunCLI(args []string, dbPath string) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "version":
		fmt.Printf("dadlink server %s\n", Version)
		return true
	case "status":
		return cliStatus(dbPath)
	case "users":
		return cliUsers(args[1:], dbPath)
	case "channels":
		return cliChannels(args[1:], dbPath)
	case "backup":
		return cliBackup(args[1:], dbPath)
	default:
		return false
	}
}

func openStore(dbPath string) *store.Store {
	st, err := store.New(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	return st
}

func cliStatus(dbPath string) bool {
	st := openStore(dbPath)
	defer st.Close()

	users, _ := st.UserCount()
	channels, _ := st.ChannelCount()
	orgs, _ := st.OrganizationCount()
	fmt.Printf("Database: %s\n", dbPath)
	fmt.Printf("Organizations: %d\n", orgs)
	fmt.Printf("Users: %d\n", users)
	fmt.Printf("Channels: %d\n", channels)
	fmt.Printf("Version: %s\n", Version)
	return true
}

func cliUsers(args []string, dbPath string) bool {
	st := openStore(dbPath)
	defer st.Close()
	ctx := context.Background()

	if len(args) == 0 || args[0] == "list" {
		users, err := st.Users(ctx, 1)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error listing users: %v\n", err)
			os.Exit(1)
		}
		for _, u := range users {
			fmt.Printf("%d\t%s\t%s\n", u.ID, u.Username, u.Email)
		}
		return true
	}

	switch args[0] {
	case "add":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: users add <username> <password> [email]")
			os.Exit(1)
		}
		email := ""
		if len(args) > 3 {
			email = args[3]
		}
		u, err := st.CreateUser(ctx, 1, args[1], args[2], email)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error creating user: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("created user %d %q\n", u.ID, u.Username)
		return true
	case "grant":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: users grant <user-id> <role-id>")
			os.Exit(1)
		}
		userID, err1 := strconv.ParseUint(args[1], 10, 32)
		roleID, err2 := strconv.ParseUint(args[2], 10, 32)
		if err1 != nil || err2 != nil {
			fmt.Fprintln(os.Stderr, "user-id and role-id must be integers")
			os.Exit(1)
		}
		if err := st.AssignRole(ctx, uint32(userID), uint32(roleID)); err != nil {
			fmt.Fprintf(os.Stderr, "error assigning role: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("granted role %d to user %d\n", roleID, userID)
		return true
	}
	fmt.Fprintf(os.Stderr, "unknown users subcommand %q\n", args[0])
	os.Exit(1)
	return true
}

func cliChannels(args []string, dbPath string) bool {
	st := openStore(dbPath)
	defer st.Close()

	if len(args) == 0 || args[0] == "list" {
		chs, err := st.Channels()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error listing channels: %v\n", err)
			os.Exit(1)
		}
		for _, ch := range chs {
			lock := ""
			if ch.Protected {
				lock = " (password)"
			}
			fmt.Printf("%d\t%s%s\n", ch.ID, ch.Name, lock)
		}
		return true
	}

	switch args[0] {
	case "add":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: channels add <name> [description]")
			os.Exit(1)
		}
		desc := ""
		if len(args) > 2 {
			desc = args[2]
		}
		id, err := st.CreateChannel(1, args[1], desc, "")
		if err != nil {
			fmt.Fprintf(os.Stderr, "error creating channel: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("created channel %d %q\n", id, args[1])
		return true
	}
	fmt.Fprintf(os.Stderr, "unknown channels subcommand %q\n", args[0])
	os.Exit(1)
	return true
}

func cliBackup(args []string, dbPath string) bool {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: backup <dest-path>")
		os.Exit(1)
	}
	st := openStore(dbPath)
	defer st.Close()

	if err := st.Backup(args[0]); err != nil {
		fmt.Fprintf(os.Stderr, "error backing up: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("backup written to %s\n", args[0])
	return true
}
