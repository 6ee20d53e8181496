package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stellarlinkco/impressiond/internal/config"
	"github.com/stellarlinkco/impressiond/internal/gateway"
	"github.com/stellarlinkco/impressiond/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "impressiond",
	Short: "impressiond - group-chat impression profiles",
}

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the gateway (channels + impression pipeline)",
	RunE:  runGateway,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and data directory",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show impressiond status",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(gatewayCmd, onboardCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.Provider.APIKey == "" {
		return fmt.Errorf("API key not set. Run 'impressiond onboard' or set IMPRESSIOND_API_KEY / OPENAI_API_KEY")
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	return gw.Run(context.Background())
}

func runOnboard(cmd *cobra.Command, args []string) error {
	cfgDir := config.ConfigDir()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		cfg := config.DefaultConfig()
		data, _ := json.MarshalIndent(cfg, "", "  ")
		if err := os.WriteFile(cfgPath, data, 0644); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Created config: %s\n", cfgPath)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}

	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Edit %s to set your API key and telegram token\n", cfgPath)
	fmt.Println("  2. Or set IMPRESSIOND_API_KEY / IMPRESSIOND_TELEGRAM_TOKEN")
	fmt.Println("  3. Run 'impressiond gateway' to start")

	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Config: error (%v)\n", err)
		return nil
	}

	fmt.Printf("Config: %s\n", config.ConfigPath())
	fmt.Printf("Database: %s\n", cfg.DBPath)
	fmt.Printf("Model: %s\n", cfg.Update.Model)
	fmt.Printf("Update mode: %s (threshold %d msgs / %d sec)\n", cfg.Update.Mode, cfg.Update.MsgThreshold, cfg.Update.TimeThresholdSec)
	if cfg.Provider.APIKey != "" && len(cfg.Provider.APIKey) > 8 {
		masked := cfg.Provider.APIKey[:4] + "..." + cfg.Provider.APIKey[len(cfg.Provider.APIKey)-4:]
		fmt.Printf("API Key: %s\n", masked)
	} else if cfg.Provider.APIKey != "" {
		fmt.Println("API Key: set")
	} else {
		fmt.Println("API Key: not set")
	}
	fmt.Printf("Telegram: enabled=%v\n", cfg.Channels.Telegram.Enabled)

	if _, err := os.Stat(cfg.DBPath); err != nil {
		fmt.Println("Database: not found (run 'impressiond gateway' to create)")
		return nil
	}

	st, err := store.New(cfg.DBPath)
	if err != nil {
		fmt.Printf("Database: error (%v)\n", err)
		return nil
	}
	defer st.Close()

	groups, err := st.GroupIDs()
	if err != nil {
		fmt.Printf("Groups: error (%v)\n", err)
		return nil
	}
	fmt.Printf("Groups: %d\n", len(groups))
	for _, g := range groups {
		pending, _ := st.PendingCount(g)
		profiles, _ := st.ProfilesForGroup(g)
		fmt.Printf("  %s: %d pending, %d profiles\n", g, pending, len(profiles))
	}

	return nil
}
