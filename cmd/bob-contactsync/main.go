package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"bob-contactsync/internal/addressbook"
	"bob-contactsync/internal/cache"
	logpkg "bob-contactsync/internal/common/logger"
	"bob-contactsync/internal/config"
	"bob-contactsync/internal/service"

	"go.uber.org/zap"
)

const usage = `usage: bob-contactsync <command> [flags]

commands:
  daemon   initial sync, then sync periodically and on MQTT notifications
  sync     run one full sync
  scan     read the address book workbook into the raw collection
  import   curate scanned contacts and bulk-import them (-ids a,b,c to select)
  export   write repertoire and invitations to an XLSX workbook (-o file)
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]

	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	log, err := logpkg.NewLogger(cfg.Log.Level, cfg.Log.Format, "bob-contactsync")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	svc, err := service.NewSyncService(cfg, log)
	if err != nil {
		log.Fatal("Failed to create sync service", zap.Error(err))
	}

	// 创建上下文，收到信号时取消
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch cmd {
	case "daemon":
		err = runDaemon(ctx, svc, log)
	case "sync":
		err = runSync(ctx, svc, log)
	case "scan":
		err = runScan(ctx, svc, log)
	case "import":
		err = runImport(ctx, svc, log, args)
	case "export":
		err = runExport(ctx, svc, log, args)
	default:
		fmt.Fprint(os.Stderr, usage)
		err = fmt.Errorf("unknown command %q", cmd)
	}

	if stopErr := svc.Stop(context.Background()); stopErr != nil {
		log.Error("Error stopping service", zap.Error(stopErr))
	}
	if err != nil {
		log.Error("Command failed", zap.String("command", cmd), zap.Error(err))
		log.Sync()
		os.Exit(1)
	}
}

func runDaemon(ctx context.Context, svc *service.SyncService, log *zap.Logger) error {
	log.Info("Starting bob-contactsync daemon")

	errChan := make(chan error, 1)
	go func() {
		errChan <- svc.Start(ctx)
	}()

	// 等待信号或错误
	select {
	case <-ctx.Done():
		log.Info("Received signal, shutting down")
		return <-errChan
	case err := <-errChan:
		return err
	}
}

func runSync(ctx context.Context, svc *service.SyncService, log *zap.Logger) error {
	orch := svc.Orchestrator()
	if _, err := orch.Init(ctx); err != nil {
		return err
	}
	report, err := orch.Sync(ctx)
	if err != nil {
		return err
	}
	log.Info("Sync report",
		zap.Int("pulled", report.Pulled),
		zap.Int("added", report.Merge.Added),
		zap.Int("dropped", report.Merge.Dropped),
		zap.Int("pushed", report.Pushed),
		zap.Int("skipped", report.Skipped),
		zap.Int("members", report.Members),
		zap.Int("invitations_reconciled", report.InvitationsReconciled),
		zap.Strings("warnings", report.Warnings),
	)
	for _, item := range report.Errors {
		log.Warn("Contact not synced", zap.String("phone", item.Phone), zap.Error(item.Err))
	}
	return nil
}

func runScan(ctx context.Context, svc *service.SyncService, log *zap.Logger) error {
	res, err := svc.Orchestrator().Scan(ctx)
	if err != nil {
		return err
	}
	log.Info("Address book scanned",
		zap.Int("raw_count", res.Meta.RawCount),
		zap.Int("phone_count", res.Meta.PhoneCount),
	)
	return nil
}

func runImport(ctx context.Context, svc *service.SyncService, log *zap.Logger, args []string) error {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	ids := fs.String("ids", "", "Comma-separated raw contact IDs to import (default: all)")
	scan := fs.Bool("scan", false, "Scan the address book before importing")
	fs.Parse(args)

	orch := svc.Orchestrator()
	if *scan {
		if err := runScan(ctx, svc, log); err != nil {
			return err
		}
	}

	var selected []string
	for _, id := range strings.Split(*ids, ",") {
		if id = strings.TrimSpace(id); id != "" {
			selected = append(selected, id)
		}
	}

	report, err := orch.Import(ctx, selected)
	log.Info("Import report",
		zap.Int("added", report.Curate.Added),
		zap.Int("updated", report.Curate.Updated),
		zap.Int("skipped", report.Curate.Skipped),
		zap.Int("created", report.Created),
		zap.Int("duplicates", report.Duplicates),
		zap.Int("errors", len(report.Errors)),
		zap.Int("batches", report.Batches),
	)
	return err
}

func runExport(ctx context.Context, svc *service.SyncService, log *zap.Logger, args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	out := fs.String("o", "repertoire.xlsx", "Output workbook path")
	fs.Parse(args)

	snap := svc.Orchestrator().Snapshot(ctx)
	if err := snap.Check(cache.CollectionRepertoire, cache.CollectionInvitations); err != nil {
		return fmt.Errorf("export: %w", err)
	}
	f, err := os.Create(*out)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", *out, err)
	}
	if err := addressbook.ExportRepertoire(f, snap.Repertoire, snap.Invitations); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	log.Info("Repertoire exported",
		zap.String("path", *out),
		zap.Int("contacts", len(snap.Repertoire)),
		zap.Int("invitations", len(snap.Invitations)),
	)

	if history := svc.History(); history != nil {
		counts, err := history.CountByStatus(ctx)
		if err != nil {
			log.Warn("Failed to read invitation history", zap.Error(err))
			return nil
		}
		for status, n := range counts {
			log.Info("Invitations by status", zap.String("status", string(status)), zap.Int("count", n))
		}
	}
	return nil
}
