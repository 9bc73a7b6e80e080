// Small convenience tooling for manipulating user accounts in the configured
// server database.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/glebarez/sqlite"
	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/crucible-gg/crucible/internal/auth"
	"github.com/crucible-gg/crucible/internal/core"
	"github.com/crucible-gg/crucible/internal/data"
)

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Account management tools",
}

var accountAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Registers new accounts in the database",
	Run:   AccountAddCommand,
}

var accountDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Deletes accounts from the database",
	Run:   AccountDeleteCommand,
}

var accountListCmd = &cobra.Command{
	Use:   "list",
	Short: "Lists the registered accounts",
	Run:   AccountListCommand,
}

func initDB() *gorm.DB {
	cfg, err := core.LoadConfig(ConfigFlag)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	var dialector gorm.Dialector
	switch strings.ToLower(cfg.Database.Engine) {
	case "sqlite":
		dialector = sqlite.Open(cfg.QualifiedPath("crucible.db"))
	case "postgres":
		dialector = postgres.Open(cfg.DatabaseURL())
	default:
		fmt.Println("unsupported database engine:", cfg.Database.Engine)
		os.Exit(1)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Discard})
	if err != nil {
		fmt.Println("error connecting to database:", err.Error())
		os.Exit(1)
	}
	if err := db.AutoMigrate(&data.Account{}); err != nil {
		fmt.Println("error migrating database:", err.Error())
		os.Exit(1)
	}
	return db
}

func AccountAddCommand(cmd *cobra.Command, args []string) {
	db := initDB()

	var username, password, email string
	username, args = popArg(args, "Username")
	password, args = popArg(args, "Password")
	email, _ = popArg(args, "Email")

	existing, err := data.FindAccountByUsername(db, username)
	if err != nil {
		fmt.Println("error finding account:", err)
		return
	} else if existing != nil {
		fmt.Printf("account '%s' already exists; skipping\n", username)
		return
	}

	account, err := auth.CreateAccount(db, username, password, email)
	if err != nil {
		fmt.Println("error creating account:", err)
		return
	}
	fmt.Printf("created account for '%s' (ID: %d)\n", account.Username, account.ID)
}

func AccountDeleteCommand(cmd *cobra.Command, args []string) {
	db := initDB()

	username, _ := popArg(args, "Username")

	account, err := data.FindAccountByUsername(db, username)
	if err != nil {
		fmt.Println("error finding account:", err)
		return
	} else if account == nil {
		fmt.Printf("no account named '%s'\n", username)
		return
	}

	if err := data.DeleteAccount(db, account); err != nil {
		fmt.Println("error deleting account:", err)
		return
	}
	fmt.Println("deleted account")
}

func AccountListCommand(cmd *cobra.Command, args []string) {
	db := initDB()

	var accounts []data.Account
	if err := db.Order("id").Find(&accounts).Error; err != nil {
		fmt.Println("error listing accounts:", err)
		return
	}

	for _, account := range accounts {
		status := ""
		if account.Banned {
			status = " (banned)"
		}
		fmt.Printf("%d\t%s\t%s%s\n", account.ID, account.Username, account.Email, status)
	}
}

func popArg(args []string, prompt string) (string, []string) {
	if len(args) == 1 {
		return args[0], nil
	} else if len(args) > 1 {
		return args[0], args[1:]
	}

	fmt.Printf("%s: ", prompt)
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Scan()
	return scanner.Text(), args
}
