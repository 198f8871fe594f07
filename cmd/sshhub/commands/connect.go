package commands

import (
	"bufio"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/cyberinferno/sshhub/eventdrivensshclient"
)

func newConnectCmd() *cobra.Command {
	var (
		user       string
		identity   string
		knownHosts string
		forwards   []string
	)

	cmd := &cobra.Command{
		Use:   "connect <host:port>",
		Short: "Connect to an sshhub server and chat from stdin",
		Long: `Connect to an sshhub server. Every line read from stdin is sent to the
server; everything the server sends is printed. Ctrl+C sends the interrupt
byte, which makes the server end the session.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, err := clientSigner(identity)
			if err != nil {
				return err
			}

			hostKeyCallback := ssh.InsecureIgnoreHostKey()
			if knownHosts != "" {
				if hostKeyCallback, err = knownhosts.New(knownHosts); err != nil {
					return fmt.Errorf("known hosts: %w", err)
				}
			} else {
				fmt.Fprintln(cmd.ErrOrStderr(), "warning: host key not verified (use --known-hosts)")
			}

			cfg := eventdrivensshclient.DefaultConfig(args[0], user)
			cfg.Signers = []ssh.Signer{signer}
			cfg.HostKeyCallback = hostKeyCallback

			return runConnect(cmd, cfg, forwards)
		},
	}

	cmd.Flags().StringVarP(&user, "user", "u", defaultUser(), "user name")
	cmd.Flags().StringVarP(&identity, "identity", "i", "", "private key file (default: ephemeral Ed25519 key)")
	cmd.Flags().StringVar(&knownHosts, "known-hosts", "", "known_hosts file used to verify the server key")
	cmd.Flags().StringArrayVarP(&forwards, "forward", "R", nil, "request a remote forward for host:port (repeatable)")

	return cmd
}

func runConnect(cmd *cobra.Command, cfg eventdrivensshclient.Config, forwards []string) error {
	out := cmd.OutOrStdout()
	client := eventdrivensshclient.NewEventDrivenSSHClient(cfg)
	defer func() {
		_ = client.Close()
	}()

	ended := make(chan struct{}, 1)
	client.OnDataReceived(func(e eventdrivensshclient.DataReceivedEvent) {
		_, _ = out.Write(e.Data)
	})
	client.OnForwardedData(func(e eventdrivensshclient.ForwardedDataEvent) {
		fmt.Fprintf(out, "[forward %s:%d from %s:%d] %s\n", e.BindAddr, e.BindPort, e.OriginAddr, e.OriginPort, e.Data)
	})
	client.OnError(func(e eventdrivensshclient.ErrorEvent) {
		fmt.Fprintf(cmd.ErrOrStderr(), "error: %v\n", e.Error)
	})
	client.OnConnectionState(func(e eventdrivensshclient.ConnectionStateEvent) {
		if e.State == eventdrivensshclient.Disconnected {
			select {
			case ended <- struct{}{}:
			default:
			}
		}
	})

	if err := client.Connect(); err != nil {
		return err
	}

	for _, f := range forwards {
		host, portStr, err := net.SplitHostPort(f)
		if err != nil {
			return fmt.Errorf("forward %q: %w", f, err)
		}
		port, err := strconv.ParseUint(portStr, 10, 32)
		if err != nil {
			return fmt.Errorf("forward %q: %w", f, err)
		}

		ok, err := client.RequestForward(host, uint32(port))
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintf(cmd.ErrOrStderr(), "forward %s rejected\n", f)
		}
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(cmd.InOrStdin())
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, syscall.SIGINT)
	defer signal.Stop(interrupts)

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := client.Send([]byte(line)); err != nil {
				return err
			}
		case <-interrupts:
			if err := client.SendInterrupt(); err != nil {
				return err
			}
		case <-ended:
			return nil
		}
	}
}

func clientSigner(identity string) (ssh.Signer, error) {
	if identity != "" {
		raw, err := os.ReadFile(identity)
		if err != nil {
			return nil, fmt.Errorf("read identity: %w", err)
		}
		return ssh.ParsePrivateKey(raw)
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return ssh.NewSignerFromKey(priv)
}

func defaultUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "sshhub"
}
