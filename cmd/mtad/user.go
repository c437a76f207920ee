package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mailfold/mtad/internal/auth"
	"github.com/mailfold/mtad/internal/config"
	"github.com/mailfold/mtad/internal/logging"
)

func runUser() {
	flags := config.ParseFlags()

	cfg, err := config.LoadWithFlags(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: mtad user [flags] add|passwd|enable|disable|del|list [username]")
		os.Exit(1)
	}
	action := args[0]

	store, err := auth.NewFileStore(cfg.Auth.UsersFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening user store: %v\n", err)
		os.Exit(1)
	}
	svc := auth.NewService(store, logging.NewLogger(cfg.LogLevel),
		cfg.Auth.MaxFailures, cfg.Auth.LockoutWindow())

	if action == "list" {
		users, err := svc.ListUsers()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error listing users: %v\n", err)
			os.Exit(1)
		}
		for _, u := range users {
			state := "enabled"
			if !u.Enabled {
				state = "disabled"
			}
			fmt.Printf("%s\t%s\tlogins=%d\n", u.Username, state, u.LoginCount)
		}
		return
	}

	if len(args) < 2 {
		fmt.Fprintf(os.Stderr, "usage: mtad user %s <username>\n", action)
		os.Exit(1)
	}
	username := args[1]

	switch action {
	case "add":
		if _, err := svc.CreateUser(username, readPassword()); err != nil {
			fmt.Fprintf(os.Stderr, "error creating user: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("created user %s\n", username)
	case "passwd":
		if err := svc.ChangePassword(username, readPassword()); err != nil {
			fmt.Fprintf(os.Stderr, "error changing password: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("changed password for %s\n", username)
	case "enable", "disable":
		if err := svc.SetEnabled(username, action == "enable"); err != nil {
			fmt.Fprintf(os.Stderr, "error updating user: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%sd user %s\n", action, username)
	case "del":
		if err := svc.DeleteUser(username); err != nil {
			fmt.Fprintf(os.Stderr, "error deleting user: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("deleted user %s\n", username)
	default:
		fmt.Fprintf(os.Stderr, "unknown user action %q\n", action)
		os.Exit(1)
	}
}

func readPassword() string {
	fmt.Fprint(os.Stderr, "Password: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reading password: %v\n", err)
		os.Exit(1)
	}
	return strings.TrimRight(line, "\r\n")
}
