package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	createFile        string
	createName        string
	createDescription string
	createCredential  string

	updateFile       string
	updateName       string
	updateCredential string

	logsTail int
)

func init() {
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List your bots",
		Args:  cobra.NoArgs,
		RunE:  runList,
	}
	rootCmd.AddCommand(listCmd)

	getCmd := &cobra.Command{
		Use:   "get BOT_ID",
		Short: "Show a bot and its process state",
		Args:  cobra.ExactArgs(1),
		RunE:  runGet,
	}
	rootCmd.AddCommand(getCmd)

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a bot from a configuration file and start it",
		Args:  cobra.NoArgs,
		RunE:  runCreate,
	}
	createCmd.Flags().StringVarP(&createFile, "file", "f", "", "configuration JSON file")
	createCmd.Flags().StringVar(&createName, "name", "", "display name")
	createCmd.Flags().StringVar(&createDescription, "description", "", "description")
	createCmd.Flags().StringVar(&createCredential, "credential", os.Getenv("BOTCRAFT_BOT_TOKEN"), "Telegram bot token")
	_ = createCmd.MarkFlagRequired("file")
	_ = createCmd.MarkFlagRequired("name")
	rootCmd.AddCommand(createCmd)

	updateCmd := &cobra.Command{
		Use:   "update BOT_ID",
		Short: "Change a bot; a running bot is reloaded with the new configuration",
		Args:  cobra.ExactArgs(1),
		RunE:  runUpdate,
	}
	updateCmd.Flags().StringVarP(&updateFile, "file", "f", "", "configuration JSON file")
	updateCmd.Flags().StringVar(&updateName, "name", "", "display name")
	updateCmd.Flags().StringVar(&updateCredential, "credential", "", "new Telegram bot token")
	rootCmd.AddCommand(updateCmd)

	for _, op := range []struct{ use, short string }{
		{"start", "Start a stopped bot"},
		{"stop", "Stop a bot (no-op when already stopped)"},
		{"restart", "Stop and start a bot"},
	} {
		op := op
		rootCmd.AddCommand(&cobra.Command{
			Use:   op.use + " BOT_ID",
			Short: op.short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				b, err := newClient(serverURL, accessToken).action(args[0], op.use)
				if err != nil {
					return err
				}
				fmt.Print(renderBot(b, processInfo{}))
				return nil
			},
		})
	}

	deleteCmd := &cobra.Command{
		Use:   "delete BOT_ID",
		Short: "Stop a bot and delete it with its workspace",
		Args:  cobra.ExactArgs(1),
		RunE:  runDelete,
	}
	rootCmd.AddCommand(deleteCmd)

	logsCmd := &cobra.Command{
		Use:   "logs BOT_ID",
		Short: "Print the tail of a bot's process log",
		Args:  cobra.ExactArgs(1),
		RunE:  runLogs,
	}
	logsCmd.Flags().IntVarP(&logsTail, "tail", "n", 200, "number of lines")
	rootCmd.AddCommand(logsCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	bots, err := newClient(serverURL, accessToken).list()
	if err != nil {
		return err
	}
	fmt.Print(renderBots(bots))
	return nil
}

func runGet(cmd *cobra.Command, args []string) error {
	b, p, err := newClient(serverURL, accessToken).get(args[0])
	if err != nil {
		return err
	}
	fmt.Print(renderBot(b, p))
	return nil
}

func runCreate(cmd *cobra.Command, args []string) error {
	cfg, err := readConfiguration(createFile)
	if err != nil {
		return err
	}
	if strings.TrimSpace(createCredential) == "" {
		return fmt.Errorf("--credential (or BOTCRAFT_BOT_TOKEN) is required")
	}
	b, err := newClient(serverURL, accessToken).create(map[string]any{
		"name":          createName,
		"description":   createDescription,
		"credential":    createCredential,
		"configuration": cfg,
	})
	if err != nil {
		return err
	}
	fmt.Print(renderBot(b, processInfo{}))
	return nil
}

func runUpdate(cmd *cobra.Command, args []string) error {
	req := map[string]any{}
	if updateFile != "" {
		cfg, err := readConfiguration(updateFile)
		if err != nil {
			return err
		}
		req["configuration"] = cfg
	}
	if cmd.Flags().Changed("name") {
		req["name"] = updateName
	}
	if cmd.Flags().Changed("credential") {
		req["credential"] = updateCredential
	}
	b, err := newClient(serverURL, accessToken).update(args[0], req)
	if err != nil {
		return err
	}
	fmt.Print(renderBot(b, processInfo{}))
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	if err := newClient(serverURL, accessToken).remove(args[0]); err != nil {
		return err
	}
	fmt.Println("deleted " + args[0])
	return nil
}

func runLogs(cmd *cobra.Command, args []string) error {
	lines, err := newClient(serverURL, accessToken).logs(args[0], logsTail)
	if err != nil {
		return err
	}
	for _, l := range lines {
		fmt.Println(l)
	}
	return nil
}

// readConfiguration loads a configuration file as raw JSON; the server validates it.
func readConfiguration(path string) (json.RawMessage, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if !json.Valid(b) {
		return nil, fmt.Errorf("%s: not valid JSON", path)
	}
	return json.RawMessage(b), nil
}
