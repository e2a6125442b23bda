package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"lizmail/delivery"
	"lizmail/internal/audit"
	"lizmail/internal/config"
	"lizmail/internal/dkim"
	"lizmail/internal/logging"
	"lizmail/storage"
	"lizmail/tlsconfig"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand(os.Stdin, os.Stdout).ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// app carries what every subcommand needs once configuration is loaded.
type app struct {
	cfg    *config.Config
	log    *zap.Logger
	in     io.Reader
	out    io.Writer
	broker string
	debug  bool
}

func newRootCommand(in io.Reader, out io.Writer) *cobra.Command {
	a := &app{in: in, out: out}

	root := &cobra.Command{
		Use:          "lizmail",
		Short:        "Queue-backed email dispatch for recruiting campaigns",
		SilenceUsage: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if a.broker != "" {
				cfg.Queue.SetBackend(a.broker)
			}
			if a.debug {
				cfg.Log.Level = "debug"
				cfg.Log.Development = true
			}
			log, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.log = log
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
	}
	root.SetIn(in)
	root.SetOut(out)
	root.PersistentFlags().StringVar(&a.broker, "broker", "", "queue backend override: amqp, redis, kafka or memory")
	root.PersistentFlags().BoolVar(&a.debug, "debug", false, "verbose console logging")

	root.AddCommand(
		newWorkerCommand(a),
		newCheckCommand(a),
		newEnqueueCommand(a),
		newSendCommand(a),
		newExtractCommand(a),
		newServeCommand(a),
		newStorePasswordCommand(a),
	)
	return root
}

// deliveryClient wires the SMTP client with its optional signer and archiver. A nil
// journal leaves outcomes unrecorded.
func (a *app) deliveryClient(journal *audit.Journal) (*delivery.Client, error) {
	cfg := a.cfg
	tlsConf, err := tlsconfig.Client(cfg.SMTP.TLS, cfg.SMTP.Host)
	if err != nil {
		return nil, fmt.Errorf("smtp tls: %w", err)
	}

	signer, err := dkim.NewSigner(cfg.DKIM)
	if err != nil {
		return nil, err
	}
	opts := []delivery.Option{delivery.WithSigner(signer)}

	switch {
	case cfg.IMAP.Enabled():
		imapTLS, err := tlsconfig.Client(cfg.IMAP.TLS, cfg.IMAP.Host)
		if err != nil {
			return nil, fmt.Errorf("imap tls: %w", err)
		}
		opts = append(opts, delivery.WithArchiver(delivery.NewIMAPArchiver(cfg.IMAP, imapTLS)))
	case cfg.Spool.Dir != "":
		spool, err := storage.NewSpool(cfg.Spool.Dir)
		if err != nil {
			return nil, err
		}
		opts = append(opts, delivery.WithArchiver(delivery.SpoolArchiver{Spool: spool}))
	}

	if journal != nil {
		opts = append(opts, delivery.WithJournal(journal))
	}
	return delivery.New(cfg.SMTP, tlsConf, a.log, opts...), nil
}

// openJournal returns nil, nil when no journal DSN is configured.
func (a *app) openJournal(ctx context.Context) (*audit.Journal, error) {
	j, err := audit.Open(ctx, a.cfg.Journal)
	if err != nil {
		return nil, err
	}
	if j != nil {
		a.log.Debug("Delivery journal open", zap.String("driver", a.cfg.Journal.Driver))
	}
	return j, nil
}
