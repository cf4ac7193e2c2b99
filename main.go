package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"

	"gitlab.lrz.de/protocol-design-sose-2022-team-0/tftpd/client"
	"gitlab.lrz.de/protocol-design-sose-2022-team-0/tftpd/core"
	"gitlab.lrz.de/protocol-design-sose-2022-team-0/tftpd/messages"
	"gitlab.lrz.de/protocol-design-sose-2022-team-0/tftpd/server"
)

var (
	host       = kingpin.Arg("host", "Server: the address to listen on. Client: the host to request from (hostname or IPv4 address).").Envar("TFTPD_HOST").ResolvedIP()
	serverMode = kingpin.Flag("server", "Server mode: serve files read-only to any host. Operate in client mode if “-s” is not specified.").Short('s').Envar("TFTPD_SERVER").Default("false").Bool()
	port       = kingpin.Flag("port", "Specify the port number to use.").Short('t').Envar("TFTPD_PORT").Default("69").Int()
	markovP    = kingpin.Flag("p", "Specify the loss probabilities for the Markov chain model.").Short('p').Envar("TFTPD_MARKOV_P").Default("0").Float64()
	markovQ    = kingpin.Flag("q", "Specify the loss probabilities for the Markov chain model.").Short('q').Envar("TFTPD_MARKOV_Q").Default("0").Float64()
	fileDir    = kingpin.Flag("file-dir", "Server: the directory whose files are served. Client: the directory where the requested files will be saved").Short('d').Envar("TFTPD_FILE_DIR").Default("./").ExistingDir()

	idleTimeout       = kingpin.Flag("idle-timeout", "Server: evict sessions without traffic for this long.").Envar("TFTPD_IDLE_TIMEOUT").Default("30s").Duration()
	sweepInterval     = kingpin.Flag("sweep-interval", "Server: how often to look for idle or finished sessions.").Envar("TFTPD_SWEEP_INTERVAL").Default("5s").Duration()
	retries           = kingpin.Flag("retries", "Server: resend an unacknowledged block this many times (0 disables retransmission).").Envar("TFTPD_RETRIES").Default("0").Int()
	retransmitTimeout = kingpin.Flag("retransmit-timeout", "Server: wait this long for an acknowledgment before resending.").Envar("TFTPD_RETRANSMIT_TIMEOUT").Default("2s").Duration()

	timeout         = kingpin.Flag("timeout", "Client: wait this long for the next block before resending.").Envar("TFTPD_TIMEOUT").Default("3s").Duration()
	retransmissions = kingpin.Flag("retransmissions", "Client: give up after this many resends without an answer.").Envar("TFTPD_RETRANSMISSIONS").Default("5").Int()

	logLevel  = kingpin.Flag("log-level", "Log level (trace, debug, info, warn, error).").Envar("TFTPD_LOG_LEVEL").Default("info").Enum("trace", "debug", "info", "warn", "error")
	logFormat = kingpin.Flag("log-format", "Log format.").Envar("TFTPD_LOG_FORMAT").Default("text").Enum("text", "json")

	files = kingpin.Arg("files", "The name of the file(s) to fetch.").Strings()
)

func main() {
	kingpin.Parse()
	setupLogging()

	if *host == nil {
		logrus.Fatal("a host is required: the server to request from, or the address to listen on with -s")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	logrus.WithFields(logrus.Fields{
		"host":   host.String(),
		"server": *serverMode,
		"port":   *port,
		"p":      *markovP,
		"q":      *markovQ,
		"dir":    *fileDir,
	}).Debug("configuration")

	var err error
	if *serverMode {
		err = runServer(ctx, *host, *port, serverConfig())
	} else {
		err = runClient(ctx, host.String(), *port, *fileDir, *files, clientConfig())
	}
	stop()
	if err != nil {
		logrus.WithError(err).Error("exiting")
		os.Exit(1)
	}
}

func setupLogging() {
	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		logrus.WithError(err).Fatal("invalid log level")
	}
	logrus.SetLevel(level)
	if *logFormat == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

func serverConfig() core.ServerConfig {
	cfg := core.DefaultServerConfig
	cfg.RootDir = *fileDir
	cfg.IdleTimeout = *idleTimeout
	cfg.SweepInterval = *sweepInterval
	cfg.Retries = *retries
	cfg.RetransmitTimeout = *retransmitTimeout
	cfg.MarkovP = *markovP
	cfg.MarkovQ = *markovQ
	return cfg
}

func clientConfig() core.ClientConfig {
	cfg := core.DefaultClientConfig
	cfg.Timeout = *timeout
	cfg.Retransmissions = *retransmissions
	cfg.MarkovP = *markovP
	cfg.MarkovQ = *markovQ
	return cfg
}

// runServer serves until ctx is cancelled. The socket is closed on every return path.
func runServer(ctx context.Context, ip net.IP, port int, cfg core.ServerConfig) error {
	s, err := server.Init(ip, port, cfg, logrus.StandardLogger())
	if err != nil {
		return fmt.Errorf("error creating server: %w", err)
	}
	defer s.Close()

	if err := s.Listen(ctx); err != nil {
		return fmt.Errorf("server stopped: %w", err)
	}
	return nil
}

func runClient(ctx context.Context, host string, port int, dir string, files []string, cfg core.ClientConfig) error {
	if len(files) < 1 {
		return errors.New("when running in client mode, at least one file name must be provided")
	}
	if port == 0 {
		port = messages.DefaultPort
	}

	failed := 0
	// Request files sequentially
	for _, file := range files {
		localFileName := filepath.Join(dir, filepath.Base(file))
		if err := client.RequestFile(ctx, host, port, file, localFileName, &cfg); err != nil {
			logrus.WithError(err).WithField("file", file).Error("file request failed")
			failed++
		}
		if ctx.Err() != nil {
			break
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d file requests failed", failed, len(files))
	}
	return nil
}
