package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/parsec-cloud/parsecd/pkg/org"
	"github.com/parsec-cloud/parsecd/pkg/storage"
	"github.com/parsec-cloud/parsecd/pkg/types"
)

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap-organization ORGANIZATION_ID",
	Short: "Register a new organization and print its bootstrap token",
	Args:  cobra.ExactArgs(1),
	RunE:  runBootstrap,
}

func init() {
	bootstrapCmd.Flags().String("data-dir", "", "Directory for the bbolt-backed realm/vlob store")
}

func runBootstrap(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	initLoggingFromConfig(cfg)

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	manager := org.New(store)
	o, err := manager.Create(types.OrganizationID(args[0]), nil)
	if err != nil {
		return fmt.Errorf("create organization: %w", err)
	}

	fmt.Printf("Organization %q registered.\n", o.ID)
	fmt.Printf("Bootstrap token: %s\n", o.BootstrapToken)
	return nil
}
