package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"peerdrop/config"
	"peerdrop/models"
	"peerdrop/network"
	"peerdrop/node"
	"peerdrop/transfer"
)

var (
	dataDir    string
	listenAddr string
	sinkMode   string
	peerAddr   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "peerdrop",
		Short:         "Send files directly between two peers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Data directory path (default: OS app data dir)")
	rootCmd.PersistentFlags().StringVar(&listenAddr, "addr", "", "Listen address, overrides listen_port")

	rootCmd.AddCommand(
		idCmd(),
		receiveCmd(),
		sendCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, network.ErrSubstrateUnavailable) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func idCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "id",
		Short: "Print this peer's identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, cfgPath, err := loadSettings()
			if err != nil {
				return err
			}
			printSettings(settings, cfgPath)
			return nil
		},
	}
}

func receiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Wait for a peer to connect and receive its files",
		Args:  cobra.NoArgs,
		RunE:  runReceive,
	}
	cmd.Flags().StringVar(&sinkMode, "sink", "", "Sink mode: auto, memory or stream")
	return cmd
}

func sendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <peer-id> <file>...",
		Short: "Connect to a peer and send files",
		Args:  cobra.MinimumNArgs(2),
		RunE:  runSend,
	}
	cmd.Flags().StringVar(&peerAddr, "peer-addr", "", "Address of the peer, skips lookup")
	return cmd
}

func runReceive(cmd *cobra.Command, args []string) error {
	settings, cfgPath, err := loadSettings()
	if err != nil {
		return err
	}
	if sinkMode != "" {
		settings.SinkMode = sinkMode
	}

	n, err := newNode(settings, cfgPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	done := startNode(ctx, n)
	select {
	case <-n.Ready():
	case err := <-done:
		return err
	}
	printSettings(settings, cfgPath)
	fmt.Printf("Listening On:    %s\n", n.Addr())
	fmt.Println("Status:          waiting for a sender (press Ctrl+C to stop)")

	for ev := range n.Events() {
		printEvent(ev)
		if ev.Kind == transfer.EventCompleted && ev.Artifact != nil && ev.Artifact.InMemory() {
			path, err := n.SaveArtifact(ctx, ev.Descriptor.ID)
			if err != nil {
				logrus.WithError(err).WithField("transfer_id", ev.Descriptor.ID).Error("save received file failed")
				continue
			}
			fmt.Printf("saved %s to %s\n", ev.Descriptor.Name, path)
		}
	}
	fmt.Println("Status:          shutting down")
	return <-done
}

func runSend(cmd *cobra.Command, args []string) error {
	remote, err := models.ParsePeerIdentity(args[0])
	if err != nil {
		return err
	}
	settings, cfgPath, err := loadSettings()
	if err != nil {
		return err
	}

	n, err := newNode(settings, cfgPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := startNode(ctx, n)
	select {
	case <-n.Ready():
	case err := <-done:
		return err
	}

	if peerAddr != "" {
		if err := n.AddPeer(remote, peerAddr); err != nil {
			return err
		}
	}
	fmt.Printf("Connecting To:   %s\n", remote)
	if err := n.Connect(ctx, remote); err != nil {
		cancel()
		<-done
		return err
	}

	pending := make(map[string]string, len(args)-1)
	for _, path := range args[1:] {
		descriptor, err := n.SendFile(ctx, path)
		if err != nil {
			cancel()
			<-done
			return fmt.Errorf("send %s: %w", path, err)
		}
		pending[descriptor.ID] = descriptor.Name
		fmt.Printf("Queued:          %s (%d bytes)\n", descriptor.Name, descriptor.Size)
	}

	var failed int
	for len(pending) > 0 {
		ev, ok := <-n.Events()
		if !ok {
			break
		}
		printEvent(ev)
		if ev.Direction != transfer.DirectionSend {
			continue
		}
		if _, tracked := pending[ev.Descriptor.ID]; !tracked {
			continue
		}
		switch ev.Kind {
		case transfer.EventCompleted:
			delete(pending, ev.Descriptor.ID)
		case transfer.EventFailed:
			delete(pending, ev.Descriptor.ID)
			failed++
		}
	}

	cancel()
	runErr := <-done
	if len(pending) > 0 {
		return fmt.Errorf("stopped with %d transfer(s) unfinished", len(pending))
	}
	if failed > 0 {
		return fmt.Errorf("%d transfer(s) failed", failed)
	}
	return runErr
}

func loadSettings() (*config.Settings, string, error) {
	var (
		settings *config.Settings
		cfgPath  string
		err      error
	)
	if dataDir != "" {
		settings, cfgPath, err = config.LoadOrCreateIn(dataDir)
	} else {
		settings, cfgPath, err = config.LoadOrCreate()
	}
	if err != nil {
		return nil, "", fmt.Errorf("startup failed while loading config: %w", err)
	}
	if err := node.ConfigureLogging(logrus.StandardLogger(), settings, os.Stderr); err != nil {
		return nil, "", fmt.Errorf("startup failed while configuring logging: %w", err)
	}
	return settings, cfgPath, nil
}

func newNode(settings *config.Settings, cfgPath string) (*node.Node, error) {
	n, err := node.New(node.Options{
		Settings:      settings,
		DataDir:       filepath.Dir(cfgPath),
		ListenAddress: listenAddr,
	})
	if err != nil {
		return nil, fmt.Errorf("startup failed: %w", err)
	}
	return n, nil
}

func startNode(ctx context.Context, n *node.Node) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- n.Run(ctx)
	}()
	return done
}

func printSettings(settings *config.Settings, cfgPath string) {
	fmt.Printf("Peer ID:         %s\n", settings.PeerID)
	fmt.Printf("Substrate:       %s\n", settings.Substrate)
	fmt.Printf("Sink Mode:       %s\n", settings.SinkMode)
	fmt.Printf("Download Dir:    %s\n", settings.DownloadDir)
	fmt.Printf("Config File:     %s\n", cfgPath)
	fmt.Printf("Data Directory:  %s\n", filepath.Dir(cfgPath))
	if settings.APIAddress != "" {
		fmt.Printf("API:             http://%s/api\n", settings.APIAddress)
	}
}

func printEvent(ev transfer.Event) {
	switch ev.Kind {
	case transfer.EventLinked:
		fmt.Printf("linked with %s\n", ev.Peer)
	case transfer.EventUnlinked:
		fmt.Printf("link to %s closed\n", ev.Peer)
	case transfer.EventIncoming:
		for _, descriptor := range ev.Descriptors {
			fmt.Printf("incoming %s (%d bytes) from %s\n", descriptor.Name, descriptor.Size, ev.Peer)
		}
	case transfer.EventStarted:
		fmt.Printf("%s %s started (%s)\n", ev.Direction, ev.Descriptor.Name, ev.SinkKind)
	case transfer.EventProgress:
		fmt.Printf("%s %s: %d/%d bytes, %.1f KiB/s\n",
			ev.Direction, ev.Descriptor.Name, ev.Bytes, ev.Descriptor.Size, ev.Speed/1024)
	case transfer.EventCompleted:
		if ev.Artifact != nil && ev.Artifact.Path != "" {
			fmt.Printf("%s %s completed, saved to %s\n", ev.Direction, ev.Descriptor.Name, ev.Artifact.Path)
			return
		}
		fmt.Printf("%s %s completed\n", ev.Direction, ev.Descriptor.Name)
	case transfer.EventFailed:
		fmt.Printf("%s %s failed: %v\n", ev.Direction, ev.Descriptor.Name, ev.Err)
	}
}
