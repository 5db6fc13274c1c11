// Command nexio-echo is a small demonstration program exercising the
// bootstrap, channel, TLS, and statistics packages end to end: "serve"
// runs a TCP (optionally TLS) echo server across an event-loop group,
// "dial" connects to one and sends a single message, printing the echo.
//
// Modeled on cuemby-warren's cmd/warren command tree: a cobra root with
// persistent logging flags and one subcommand per operation.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	nexio "github.com/nexio-project/nexio"
	"github.com/nexio-project/nexio/bootstrap"
	"github.com/nexio-project/nexio/channel"
	ilog "github.com/nexio-project/nexio/internal/log"
	"github.com/nexio-project/nexio/loop"
	"github.com/nexio-project/nexio/stats"
	"github.com/nexio-project/nexio/tlsconfig"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "nexio-echo",
	Short: "Demo echo server/client exercising the nexio event-loop runtime",
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(dialCmd)

	serveCmd.Flags().String("host", "0.0.0.0", "Address to listen on")
	serveCmd.Flags().Uint16("port", 9000, "Port to listen on")
	serveCmd.Flags().Int("loops", 1, "Number of event loops in the group")
	serveCmd.Flags().Bool("reuseport", false, "Bind with SO_REUSEPORT")
	serveCmd.Flags().String("tls-cert", "", "TLS server certificate path (enables TLS)")
	serveCmd.Flags().String("tls-key", "", "TLS server key path")
	serveCmd.Flags().String("metrics-addr", "127.0.0.1:9100", "Prometheus /metrics listen address")
	serveCmd.Flags().Int64("stats-flush-ms", 5000, "Statistics handler flush interval in milliseconds")

	dialCmd.Flags().String("host", "127.0.0.1", "Server address to dial")
	dialCmd.Flags().Uint16("port", 9000, "Server port to dial")
	dialCmd.Flags().Int("loops", 1, "Number of event loops in the group")
	dialCmd.Flags().Bool("tls", false, "Negotiate TLS")
	dialCmd.Flags().Bool("insecure-skip-verify", false, "Skip server certificate verification")
	dialCmd.Flags().String("message", "hello from nexio-echo", "Message to send")
}

func initLogging() {
	levelStr, _ := rootCmd.PersistentFlags().GetString("log-level")
	lvl, err := zerolog.ParseLevel(levelStr)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	ilog.Configure(os.Stderr, lvl)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run an echo server",
	RunE: func(cmd *cobra.Command, args []string) error {
		host, _ := cmd.Flags().GetString("host")
		port, _ := cmd.Flags().GetUint16("port")
		loopCount, _ := cmd.Flags().GetInt("loops")
		reusePort, _ := cmd.Flags().GetBool("reuseport")
		certPath, _ := cmd.Flags().GetString("tls-cert")
		keyPath, _ := cmd.Flags().GetString("tls-key")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		flushMS, _ := cmd.Flags().GetInt64("stats-flush-ms")

		log := ilog.For("nexio-echo")

		group, err := loop.NewGroup(loopCount, loop.RoundRobin, loop.Options{})
		if err != nil {
			return fmt.Errorf("creating event loop group: %w", err)
		}

		registry := stats.NewRegistry()
		prometheus.MustRegister(registry)

		var tlsOpts *tlsconfig.Options
		if certPath != "" {
			tlsOpts = &tlsconfig.Options{
				ServerCertPath: certPath,
				ServerKeyPath:  keyPath,
				MinimumVersion: tlsconfig.TLSv1_2,
			}
		}

		server := bootstrap.NewServerBootstrap(group)
		lst, err := server.NewSocketListener(bootstrap.ServerSocketListenerOptions{
			Host:   host,
			Port:   port,
			Socket: bootstrap.SocketOptions{ReusePort: reusePort},
			TLS:    tlsOpts,
			Stats: &bootstrap.StatsOptions{
				Registry:        registry,
				FlushIntervalMS: flushMS,
				OnFlush: func(s stats.Snapshot) {
					log.Info().
						Str("channel_id", s.ChannelID).
						Int64("bytes_read", s.BytesRead).
						Int64("bytes_written", s.BytesWritten).
						Str("tls_status", s.TLSStatus.String()).
						Msg("stats flush")
				},
			},
			IncomingCallback: func(ch *channel.Channel, code nexio.Code) {
				if code != nexio.CodeSuccess {
					log.Warn().Int("code", int(code)).Msg("incoming connection failed")
					return
				}
				ch.AppendHandler(&echoServerHandler{})
			},
		})
		if err != nil {
			return fmt.Errorf("listening: %w", err)
		}

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				log.Warn().Err(err).Msg("metrics server stopped")
			}
		}()

		fmt.Printf("echo server listening on %s:%d (%d loop(s))\n", host, port, loopCount)
		fmt.Printf("metrics: http://%s/metrics\n", metricsAddr)
		fmt.Println("Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		fmt.Println("\nshutting down...")
		lst.Destroy()
		time.Sleep(200 * time.Millisecond)
		group.Shutdown()
		return nil
	},
}

var dialCmd = &cobra.Command{
	Use:   "dial",
	Short: "Connect to an echo server and send one message",
	RunE: func(cmd *cobra.Command, args []string) error {
		host, _ := cmd.Flags().GetString("host")
		port, _ := cmd.Flags().GetUint16("port")
		loopCount, _ := cmd.Flags().GetInt("loops")
		useTLS, _ := cmd.Flags().GetBool("tls")
		insecure, _ := cmd.Flags().GetBool("insecure-skip-verify")
		message, _ := cmd.Flags().GetString("message")

		group, err := loop.NewGroup(loopCount, loop.RoundRobin, loop.Options{})
		if err != nil {
			return fmt.Errorf("creating event loop group: %w", err)
		}
		defer group.Shutdown()

		var tlsOpts *tlsconfig.Options
		if useTLS {
			tlsOpts = &tlsconfig.Options{
				ServerName:     host,
				VerifyPeer:     !insecure,
				MinimumVersion: tlsconfig.TLSv1_2,
			}
		}

		client := bootstrap.NewClientBootstrap(group, nil)

		var h *printClientHandler
		var ch *channel.Channel
		setup := make(chan error, 1)
		received := make(chan []byte, 1)

		client.NewSocketChannel(context.Background(), bootstrap.ClientSocketChannelOptions{
			Host: host,
			Port: port,
			TLS:  tlsOpts,
			CreationCallback: func(c *channel.Channel) {
				ch = c
				h = &printClientHandler{received: received}
				c.AppendHandler(h)
			},
			SetupCallback: func(c *channel.Channel, code nexio.Code) {
				if code != nexio.CodeSuccess {
					setup <- fmt.Errorf("setup failed: code %d", code)
					return
				}
				// SetupCallback runs on the channel's own loop thread
				// (spec §4.3 creation/setup sequencing), so writing here
				// is on-thread, matching the concurrency model of spec §5.
				h.Write([]byte(message))
				setup <- nil
			},
		})

		if err := <-setup; err != nil {
			return err
		}

		select {
		case echoed := <-received:
			fmt.Printf("received: %s\n", echoed)
		case <-time.After(5 * time.Second):
			return fmt.Errorf("timed out waiting for echo")
		}

		if ch != nil {
			ch.Shutdown(nexio.CodeSuccess)
		}
		time.Sleep(100 * time.Millisecond)
		return nil
	},
}

// echoServerHandler is the last, user-facing handler on the server
// side: it forwards every byte it reads straight back out.
type echoServerHandler struct {
	channel.BaseHandler
}

func (h *echoServerHandler) ProcessRead(msg *channel.Message) {
	if msg.Len() == 0 {
		msg.Release(nil)
		return
	}
	data := msg.Buffer
	msg.Release(nil)
	h.Slot.SendWrite(&channel.Message{Buffer: data, Type: channel.ApplicationData})
}

func (h *echoServerHandler) ProcessWrite(msg *channel.Message) {
	h.Slot.SendWrite(msg)
}

// printClientHandler is the last, user-facing handler on the client
// side: Write injects an outbound message, ProcessRead hands the echoed
// bytes back to the caller over a channel.
type printClientHandler struct {
	channel.BaseHandler
	received chan []byte
}

func (h *printClientHandler) Write(data []byte) {
	h.ProcessWrite(&channel.Message{Buffer: data, Type: channel.ApplicationData})
}

func (h *printClientHandler) ProcessRead(msg *channel.Message) {
	data := append([]byte(nil), msg.Buffer...)
	msg.Release(nil)
	select {
	case h.received <- data:
	default:
	}
}

func (h *printClientHandler) ProcessWrite(msg *channel.Message) {
	h.Slot.SendWrite(msg)
}
