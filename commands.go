package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"lizmail/api"
	"lizmail/batch"
	"lizmail/health"
	"lizmail/internal/audit"
	"lizmail/internal/campaign"
	"lizmail/internal/config"
	"lizmail/internal/email"
	"lizmail/internal/extract"
	"lizmail/queue"
)

const shutdownTimeout = 10 * time.Second

var errPreflight = errors.New("SMTP connection test failed")

func newWorkerCommand(a *app) *cobra.Command {
	var healthAddr string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume queued tasks and deliver them over SMTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runWorker(cmd.Context(), healthAddr)
		},
	}
	cmd.Flags().StringVar(&healthAddr, "health-addr", "", "serve /healthz and /metrics on this address")
	return cmd
}

func (a *app) runWorker(ctx context.Context, healthAddr string) error {
	if err := a.cfg.RequireCredentials(); err != nil {
		return err
	}
	journal, err := a.openJournal(ctx)
	if err != nil {
		return err
	}
	defer journal.Close()
	client, err := a.deliveryClient(journal)
	if err != nil {
		return err
	}

	if !client.TestConnection(ctx) {
		return errPreflight
	}

	src, err := queue.OpenSource(ctx, a.cfg.Queue, a.log)
	if err != nil {
		return err
	}
	consumer := queue.NewConsumer(src, client.Deliver, a.cfg.Queue.Name, a.cfg.Worker, a.log)
	defer consumer.Close()

	if healthAddr != "" {
		srv, ln, err := health.StartHealthServer(healthAddr,
			health.Check{Name: "queue", Probe: consumer.Check},
			health.Check{Name: "journal", Probe: journal.Ping},
		)
		if err != nil {
			return fmt.Errorf("health server: %w", err)
		}
		a.log.Info("Health server listening", zap.String("addr", ln.Addr().String()))
		defer shutdown(srv)
	}

	return consumer.Run(ctx)
}

func newCheckCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Connect and authenticate to the SMTP server without sending",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.cfg.RequireCredentials(); err != nil {
				return err
			}
			journal, err := a.openJournal(cmd.Context())
			if err != nil {
				return err
			}
			defer journal.Close()
			client, err := a.deliveryClient(journal)
			if err != nil {
				return err
			}
			if !client.TestConnection(cmd.Context()) {
				return errPreflight
			}
			fmt.Fprintf(cmd.OutOrStdout(), "SMTP connection to %s:%d OK\n", a.cfg.SMTP.Host, a.cfg.SMTP.Port)
			return nil
		},
	}
}

// campaignFlags are shared by enqueue and send.
type campaignFlags struct {
	req      campaign.Request
	template string
	to       []string
	toFile   string
	bodyFile string
}

func (f *campaignFlags) bind(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.template, "template", string(email.TemplateCustom), "screening, rejection or custom")
	fl.StringSliceVar(&f.to, "to", nil, "recipient address; repeat or separate with commas")
	fl.StringVar(&f.toFile, "to-file", "", "read recipients from a .txt, .docx, .pdf or .zip file")
	fl.StringVar(&f.req.FromName, "from-name", "", "display name on the From header")
	fl.StringVar(&f.req.CandidateName, "candidate", "", "candidate name used in the greeting")
	fl.StringVar(&f.req.CompanyName, "company", "", "company name")
	fl.StringVar(&f.req.Position, "position", "", "position title")
	fl.StringVar(&f.req.HRName, "hr-name", "", "signing HR contact")
	fl.StringArrayVar(&f.req.Questions, "question", nil, "screening question; repeatable")
	fl.StringVar(&f.req.AdditionalInfo, "info", "", "additional information for screening emails")
	fl.StringVar(&f.req.AdditionalMessage, "message", "", "additional message for rejection emails")
	fl.StringVar(&f.req.Subject, "subject", "", "custom subject; {placeholders} are filled from --var")
	fl.StringVar(&f.req.Body, "body", "", "custom body")
	fl.StringVar(&f.bodyFile, "body-file", "", "read the custom body from a file")
	fl.StringToStringVar(&f.req.Variables, "var", nil, "custom template variable as key=value; repeatable")
}

// build assembles and renders the campaign described by the flags.
func (f *campaignFlags) build(a *app) (*campaign.Campaign, error) {
	req := f.req
	req.Template = email.TemplateType(strings.ToLower(strings.TrimSpace(f.template)))
	req.Recipients = append([]string(nil), f.to...)

	if f.toFile != "" {
		addrs, err := extract.New(a.cfg.Extract, a.log).File(f.toFile)
		if err != nil {
			return nil, err
		}
		req.Recipients = append(req.Recipients, addrs...)
	}
	if f.bodyFile != "" {
		data, err := os.ReadFile(f.bodyFile)
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		req.Body = string(data)
	}

	c, err := campaign.Build(req)
	if err != nil {
		return nil, err
	}
	if c.Unrendered {
		a.log.Warn("Custom template has unbound variables; sending as written", zap.String("campaign_id", c.ID))
	}
	return c, nil
}

type enqueueReport struct {
	CampaignID string `json:"campaign_id"`
	Queue      string `json:"queue"`
	email.BulkStats
}

func newEnqueueCommand(a *app) *cobra.Command {
	f := &campaignFlags{}
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Render a campaign and publish one task per recipient",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := f.build(a)
			if err != nil {
				return err
			}
			p, err := queue.Dial(cmd.Context(), a.cfg.Queue, a.log)
			if err != nil {
				return err
			}
			defer p.Close()

			stats := p.EnqueueBulk(cmd.Context(), c.Tasks)
			a.log.Info("Campaign queued",
				zap.String("campaign_id", c.ID), zap.Int("success", stats.Success), zap.Int("failed", stats.Failed))
			if err := writeJSON(cmd, enqueueReport{CampaignID: c.ID, Queue: a.cfg.Queue.Name, BulkStats: stats}); err != nil {
				return err
			}
			if stats.Success == 0 {
				return errors.New("no task could be queued")
			}
			return nil
		},
	}
	f.bind(cmd)
	return cmd
}

func newSendCommand(a *app) *cobra.Command {
	f := &campaignFlags{}
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Render a campaign and deliver it directly, bypassing the queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.cfg.RequireCredentials(); err != nil {
				return err
			}
			c, err := f.build(a)
			if err != nil {
				return err
			}
			journal, err := a.openJournal(cmd.Context())
			if err != nil {
				return err
			}
			defer journal.Close()
			client, err := a.deliveryClient(journal)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			runner := batch.NewRunner(client, a.cfg.Worker.PacingInterval, a.log)
			res := runner.Run(cmd.Context(), c.Tasks, func(p batch.Progress) {
				status := "sent"
				if !p.Delivered {
					status = "failed"
				}
				fmt.Fprintf(out, "[%d/%d] %s %s\n", p.Index, p.Total, p.To, status)
			})
			if err := writeJSON(cmd, res); err != nil {
				return err
			}
			if res.Sent == 0 && len(c.Tasks) > 0 {
				return errors.New("no email was delivered")
			}
			return nil
		},
	}
	f.bind(cmd)
	return cmd
}

type extractReport struct {
	Files     []extractFile `json:"files"`
	Addresses []string      `json:"emails"`
}

type extractFile struct {
	File  string   `json:"file"`
	Found []string `json:"emails"`
	Error string   `json:"error,omitempty"`
}

func newExtractCommand(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "extract FILE...",
		Short: "Print the email addresses found in documents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			results, all := extract.New(a.cfg.Extract, a.log).FromFiles(args)

			failed := 0
			report := extractReport{Addresses: all}
			for _, r := range results {
				ef := extractFile{File: r.File, Found: r.Addresses}
				if r.Err != nil {
					failed++
					ef.Error = r.Err.Error()
				}
				report.Files = append(report.Files, ef)
			}

			if asJSON {
				if err := writeJSON(cmd, report); err != nil {
					return err
				}
			} else {
				for _, addr := range all {
					fmt.Fprintln(cmd.OutOrStdout(), addr)
				}
			}
			if failed == len(results) {
				return errors.New("no file could be read")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print per-file results as JSON")
	return cmd
}

func newServeCommand(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP intake API in front of the queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				addr = a.cfg.HTTP.Addr
			}
			return a.runServe(cmd.Context(), addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default HTTP_ADDR)")
	return cmd
}

func (a *app) runServe(ctx context.Context, addr string) error {
	p, err := queue.Dial(ctx, a.cfg.Queue, a.log)
	if err != nil {
		return err
	}
	defer p.Close()

	journal, err := a.openJournal(ctx)
	if err != nil {
		return err
	}
	defer journal.Close()

	opts := []api.Option{api.WithExtractor(extract.New(a.cfg.Extract, a.log))}
	if journal != nil {
		opts = append(opts, api.WithHistory(journal), api.WithChecks(health.Check{Name: "journal", Probe: journal.Ping}))
	}

	// The in-memory broker only exists inside this process, so deliver from here too.
	if a.cfg.Queue.Backend == config.BackendMemory {
		stop, err := a.startLocalWorker(ctx, journal)
		if err != nil {
			return err
		}
		defer stop()
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           api.New(p, a.log, opts...).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	a.log.Info("HTTP API listening", zap.String("addr", addr), zap.String("backend", a.cfg.Queue.Backend))

	select {
	case err := <-errc:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	shutdown(srv)
	return nil
}

// startLocalWorker runs a consumer against the configured queue until the returned
// stop func is called.
func (a *app) startLocalWorker(ctx context.Context, journal *audit.Journal) (func(), error) {
	if err := a.cfg.RequireCredentials(); err != nil {
		return nil, err
	}
	client, err := a.deliveryClient(journal)
	if err != nil {
		return nil, err
	}
	src, err := queue.OpenSource(ctx, a.cfg.Queue, a.log)
	if err != nil {
		return nil, err
	}
	consumer := queue.NewConsumer(src, client.Deliver, a.cfg.Queue.Name, a.cfg.Worker, a.log)

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := consumer.Run(ctx); err != nil {
			a.log.Error("Local worker stopped", zap.Error(err))
		}
	}()
	return func() {
		cancel()
		<-done
		_ = consumer.Close()
	}, nil
}

func newStorePasswordCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "store-password USER",
		Short: "Save the SMTP password for USER in the system keyring (read from stdin)",
		Args:  cobra.ExactArgs(1),
		// Loading the config would try to read the very password being stored.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("read password: %w", err)
			}
			password := strings.TrimRight(line, "\r\n")
			if password == "" {
				return errors.New("empty password")
			}
			if err := config.StorePassword(args[0], password); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stored SMTP password for %s\n", args[0])
			return nil
		},
	}
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func shutdown(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
