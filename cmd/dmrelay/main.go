package main

import (
	"fmt"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"dmrelay/internal/client"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	profile   string
	identity  string
	secret    string
	to        string
	message   string
	attach    string
	with      []string
)

var rootCmd = &cobra.Command{
	Use:   "dmrelay",
	Short: "End-to-end encrypted direct messages",
	Long: `dmrelay is the terminal client of dmrelay-server. Messages are
encrypted on this machine with a key agreed with the recipient; the server
only ever stores ciphertext.`,
	SilenceUsage: true,
}

var signupCmd = &cobra.Command{
	Use:   "signup",
	Short: "Create an identity and remember its credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		if serverURL == "" {
			return fmt.Errorf("server URL is required")
		}
		c, err := client.Dial(serverURL)
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.Signup(identity, secret); err != nil {
			return fmt.Errorf("signup failed: %w", err)
		}

		dir := client.DefaultConfigDir(profile)
		if err := client.SaveCredentials(dir, &client.Credentials{Server: serverURL, Identity: identity, Secret: secret}); err != nil {
			return fmt.Errorf("failed to save credentials: %w", err)
		}
		fmt.Printf("Signed up as %s\n", identity)
		fmt.Printf("Credentials saved to: %s\n", dir)
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send an encrypted message",
	Long:  "Send an end-to-end encrypted message. The recipient must be online for the key exchange.",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := session()
		if err != nil {
			return err
		}
		defer c.Close()

		ref := ""
		if attach != "" {
			data, err := os.ReadFile(attach)
			if err != nil {
				return err
			}
			contentType := mime.TypeByExtension(filepath.Ext(attach))
			if contentType == "" {
				contentType = "application/octet-stream"
			}
			if ref, err = c.UploadAttachment(to, data, contentType); err != nil {
				return fmt.Errorf("attachment upload failed: %w", err)
			}
		}

		if err := c.SendWithAttachment(to, message, ref); err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
		fmt.Printf("Message sent to %s\n", to)
		return nil
	},
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Print incoming messages and presence changes",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := session()
		if err != nil {
			return err
		}
		defer c.Close()

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

		heartbeat := time.NewTicker(30 * time.Second)
		defer heartbeat.Stop()

		fmt.Printf("Listening as %s, press Ctrl+C to stop\n", c.Identity())
		for {
			select {
			case <-sig:
				fmt.Println("\nStopping listener...")
				return c.Logout()
			case <-heartbeat.C:
				if err := c.Heartbeat(); err != nil {
					return err
				}
			case e, ok := <-c.Events():
				if !ok {
					return c.Err()
				}
				printEvent(e)
			}
		}
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show stored messages",
	Long:  "Show stored messages. Use --with to exchange keys with online peers so their messages can be decrypted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := session()
		if err != nil {
			return err
		}
		defer c.Close()

		for _, peer := range with {
			if err := c.ExchangeKeys(peer); err != nil {
				fmt.Fprintf(os.Stderr, "Key exchange with %s failed: %v\n", peer, err)
			}
		}

		messages, err := c.History()
		if err != nil {
			return err
		}
		if len(messages) == 0 {
			fmt.Println("No messages")
			return nil
		}
		for i := range messages {
			printMessage(&messages[i])
		}
		return nil
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every stored message you take part in",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := session()
		if err != nil {
			return err
		}
		defer c.Close()

		removed, err := c.ClearHistory()
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d messages\n", removed)
		return nil
	},
}

var usersCmd = &cobra.Command{
	Use:   "users [query]",
	Short: "List identities",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := session()
		if err != nil {
			return err
		}
		defer c.Close()

		query := ""
		if len(args) == 1 {
			query = args[0]
		}
		users, err := c.ListUsers(query)
		if err != nil {
			return err
		}
		for _, u := range users {
			status := "offline, last seen " + u.LastSeen.Local().Format(time.RFC822)
			if u.Online {
				status = "online"
			}
			fmt.Printf("%-32s %s\n", u.Identity, status)
		}
		return nil
	},
}

// session dials the server and authenticates with the saved credentials.
func session() (*client.Client, error) {
	creds, err := client.LoadCredentials(client.DefaultConfigDir(profile))
	if err != nil {
		return nil, err
	}
	url := serverURL
	if url == "" {
		url = creds.Server
	}

	c, err := client.Dial(url)
	if err != nil {
		return nil, err
	}
	if err := c.Authenticate(creds.Identity, creds.Secret); err != nil {
		c.Close()
		return nil, fmt.Errorf("authentication failed: %w", err)
	}
	return c, nil
}

func printEvent(e client.Event) {
	switch e.Type {
	case client.EventMessage:
		printMessage(e.Message)
	case client.EventPresence:
		state := "offline"
		if e.Presence.Online {
			state = "online"
		}
		fmt.Printf("* %s is %s\n", e.Presence.Identity, state)
	case client.EventKeyExchange:
		fmt.Printf("* secure session with %s established\n", e.Peer)
	}
}

func printMessage(m *client.Message) {
	text := m.Plaintext
	if m.Err != nil {
		text = "[encrypted: " + m.Err.Error() + "]"
	}
	line := fmt.Sprintf("[%s] %s -> %s: %s", m.CreatedAt.Local().Format(time.Kitchen), m.From, m.To, text)
	if m.AttachmentRef != "" {
		line += " (attachment " + m.AttachmentRef + ")"
	}
	fmt.Println(line)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "", "Server WebSocket URL (e.g., ws://localhost:8080/ws)")
	rootCmd.PersistentFlags().StringVarP(&profile, "profile", "p", "default", "Credential profile under ~/.dmrelay")

	signupCmd.Flags().StringVarP(&identity, "identity", "u", "", "Identity to create")
	signupCmd.Flags().StringVar(&secret, "secret", "", "Credential secret")
	signupCmd.MarkFlagRequired("identity")
	signupCmd.MarkFlagRequired("secret")

	sendCmd.Flags().StringVarP(&to, "to", "t", "", "Recipient identity")
	sendCmd.Flags().StringVarP(&message, "message", "m", "", "Message to send")
	sendCmd.Flags().StringVarP(&attach, "attach", "a", "", "File to attach")
	sendCmd.MarkFlagRequired("to")
	sendCmd.MarkFlagRequired("message")

	historyCmd.Flags().StringSliceVar(&with, "with", nil, "Peers to exchange keys with before decrypting")

	rootCmd.AddCommand(signupCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(listenCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(clearCmd)
	rootCmd.AddCommand(usersCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
