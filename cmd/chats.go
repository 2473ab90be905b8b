package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"wechatslave/pkg/bus"
	"wechatslave/pkg/channel"
	"wechatslave/pkg/config"
	"wechatslave/pkg/logger"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

const chatsTimeout = time.Minute

var (
	refreshChats bool
	chatsJSON    bool
)

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List WeChat chats",
	Long:  "Lists friends, groups and official accounts of the WeChat session. The numbers are the IDs accepted by \"chats alias\".",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		withSlave(func(ctx context.Context, cfg *config.Config, op channel.Slave) {
			if chatsJSON {
				chats, err := op.GetChats(ctx, true, true)
				if err != nil {
					fmt.Printf("failed to list chats: %v\n", err)
					return
				}
				encoder := json.NewEncoder(os.Stdout)
				encoder.SetIndent("", "  ")
				_ = encoder.Encode(chats)
				return
			}

			param := ""
			if refreshChats {
				param = "-r"
			}
			fmt.Println(chatsHeader(cfg.Channel.Name))
			fmt.Println(op.ListChats(ctx, param))
		})
	},
}

var aliasCmd = &cobra.Command{
	Use:   "alias <id> [alias]",
	Short: "Set or remove the alias of a friend",
	Long:  "Sets the remark name of the friend listed under <id> by \"chats\". Without [alias] the current alias is removed.",
	Args:  cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {
		withSlave(func(ctx context.Context, cfg *config.Config, op channel.Slave) {
			fmt.Println(op.SetAlias(ctx, aliasParam(refreshChats, args)))
		})
	},
}

func init() {
	chatsCmd.PersistentFlags().BoolVarP(&refreshChats, "refresh", "r", false, "refresh the contact list before reading it")
	chatsCmd.Flags().BoolVar(&chatsJSON, "json", false, "print chats as JSON")
	chatsCmd.AddCommand(aliasCmd)
	rootCmd.AddCommand(chatsCmd)
}

func withSlave(fn func(ctx context.Context, cfg *config.Config, op channel.Slave)) {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		return
	}

	appLogger, err := logger.New(cfg.Logging)
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		return
	}
	slog.SetDefault(appLogger)
	log := slog.Default().With("component", "cmd.chats")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, chatsTimeout)
	defer cancel()

	mb := bus.NewMessageBus(1)
	defer mb.Close()

	ch, closeClient, err := openSlave(ctx, cfg, mb, log)
	if err != nil {
		fmt.Printf("failed to connect to WeChat: %v\n", err)
		return
	}
	defer closeClient()

	fn(ctx, cfg, ch)
}

// aliasParam builds the "set alias" parameter string from CLI arguments.
func aliasParam(refresh bool, args []string) string {
	param := strings.Join(args, " ")
	if refresh {
		param = "-r " + param
	}
	return param
}

func chatsHeader(channelName string) string {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("230")).
		Background(lipgloss.Color("28")).
		Padding(0, 1)

	return style.Render(channelName)
}
