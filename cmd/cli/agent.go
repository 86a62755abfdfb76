package cli

import (
	"context"
	"fmt"

	"digichat/internal/services"
	"digichat/internal/storage"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	agentName  string
	agentEmail string
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Manage support agents",
}

var agentCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an offline support agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := storage.Open(cfg, logrus.StandardLogger())
		if err != nil {
			return err
		}
		if err := storage.Migrate(db); err != nil {
			return err
		}

		agent, err := services.NewAgentService(db, logrus.StandardLogger()).Create(context.Background(), agentName, agentEmail)
		if err != nil {
			return fmt.Errorf("create agent: %w", err)
		}
		fmt.Printf("Agent created: id=%d name=%s email=%s\n", agent.ID, agent.Name, agent.Email)
		return nil
	},
}

func init() {
	agentCreateCmd.Flags().StringVar(&agentName, "name", "", "agent display name")
	agentCreateCmd.Flags().StringVar(&agentEmail, "email", "", "agent email (unique)")
	_ = agentCreateCmd.MarkFlagRequired("name")
	_ = agentCreateCmd.MarkFlagRequired("email")
	agentCmd.AddCommand(agentCreateCmd)
	rootCmd.AddCommand(agentCmd)
}
