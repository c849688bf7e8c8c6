package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chainbox/chainbox/pkg/audit"
	"github.com/chainbox/chainbox/pkg/config"
	"github.com/chainbox/chainbox/pkg/fabric"
	"github.com/chainbox/chainbox/pkg/meshnode"
	"github.com/chainbox/chainbox/pkg/signer"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable so tests can stub it out.
var startServer = runServer

// Run is the entrypoint, factored out of main so it's testable without
// exec'ing a subprocess.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		startServer()
		return 0
	}

	switch args[1] {
	case "server", "serve":
		startServer()
		return 0
	case "health":
		return runHealthCmd(stdout, stderr)
	case "export":
		return runExportCmd(args[2:], stdout, stderr)
	case "version":
		fmt.Fprintln(stdout, "chainbox v0.1.0")
		return 0
	case "help", "-h", "--help":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", args[1])
		printUsage(stderr)
		return 2
	}
}

// ANSI colors for the usage banner.
const (
	ColorReset  = "\033[0m"
	ColorBold   = "\033[1m"
	ColorGreen  = "\033[32m"
	ColorGray   = "\033[37m"
	ColorBlue   = "\033[34m"
	ColorCyan   = "\033[36m"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sChainbox %s%s\n", ColorBold+ColorBlue, "v0.1.0", ColorReset)
	fmt.Fprintf(w, "%sBackend logic, exposed as named capabilities.%s\n", ColorGray, ColorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	fmt.Fprintln(w, "  chainbox <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "RUN")
	printCommand(w, "server", "Run the capability-execution server (default)")
	printCommand(w, "health", "Check server health (HTTP)")

	printSection(w, "AUDIT")
	printCommand(w, "export", "Generate a tenant's evidence pack from the audit tail")

	printSection(w, "UTILITIES")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-10s%s %s\n", ColorGreen, name, ColorReset, desc)
}

func runHealthCmd(out, errOut io.Writer) int {
	resp, err := http.Get("http://localhost:8090/health")
	if err != nil {
		fmt.Fprintf(errOut, "health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(errOut, "health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	fmt.Fprintln(out, "OK")
	return 0
}

// runExportCmd bundles one tenant's audit trail into a zip evidence pack,
// reading the durable NDJSON tail a running server mirrors its Ring to
// (since the Ring itself lives only in the server process's memory).
func runExportCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fs.SetOutput(stderr)
	tenant := fs.String("tenant", "", "tenant ID to export (required)")
	since := fs.String("since", "", "RFC3339 start time (optional)")
	until := fs.String("until", "", "RFC3339 end time (optional)")
	tailPath := fs.String("tail", "", "path to the durable audit tail file (defaults to the AUDIT_TAIL_PATH config)")
	out := fs.String("out", "", "output zip path (defaults to <tenant>-audit-<unix-ms>.zip)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *tenant == "" {
		fmt.Fprintln(stderr, "export: -tenant is required")
		return 2
	}

	path := *tailPath
	if path == "" {
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(stderr, "export: load config: %v\n", err)
			return 1
		}
		path = cfg.AuditTailPath
	}
	if path == "" {
		fmt.Fprintln(stderr, "export: no audit tail file configured (set AUDIT_TAIL_PATH or pass -tail)")
		return 1
	}

	tailFile, err := os.Open(path)
	if err != nil {
		fmt.Fprintf(stderr, "export: open tail file: %v\n", err)
		return 1
	}
	defer tailFile.Close()

	entries, err := audit.ReadTail(tailFile)
	if err != nil {
		fmt.Fprintf(stderr, "export: %v\n", err)
		return 1
	}

	ring := audit.NewRing(max(len(entries), 1), audit.LevelAll, nil)
	for _, e := range entries {
		ring.Append(e)
	}

	req := audit.ExportRequest{TenantID: *tenant}
	if *since != "" {
		t, err := time.Parse(time.RFC3339, *since)
		if err != nil {
			fmt.Fprintf(stderr, "export: -since: %v\n", err)
			return 2
		}
		req.StartTime = t
	}
	if *until != "" {
		t, err := time.Parse(time.RFC3339, *until)
		if err != nil {
			fmt.Fprintf(stderr, "export: -until: %v\n", err)
			return 2
		}
		req.EndTime = t
	}

	pack, checksum, err := audit.NewExporter(ring).GeneratePack(req)
	if err != nil {
		fmt.Fprintf(stderr, "export: %v\n", err)
		return 1
	}

	outPath := *out
	if outPath == "" {
		outPath = fmt.Sprintf("%s-audit-%d.zip", *tenant, time.Now().UnixMilli())
	}
	if err := os.WriteFile(outPath, pack, 0o644); err != nil {
		fmt.Fprintf(stderr, "export: write pack: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "wrote %s (sha256:%s)\n", outPath, checksum)
	return 0
}

func runServer() {
	logger := slog.Default().With("component", "chainbox")
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	f, err := fabric.New(ctx, cfg, fabric.Options{})
	if err != nil {
		logger.Error("wire fabric", "error", err)
		os.Exit(1)
	}
	defer f.Close(ctx)

	srv := meshnode.New(f.Executor, signer.New([]byte(cfg.MeshSecret)), meshnode.Config{
		Addr:         cfg.ListenAddr,
		MaxBodyBytes: cfg.MaxBodySize,
	})

	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(cfg.ListenAddr); err != nil {
			logger.Error("server stopped", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	if err := srv.Shutdown(10 * time.Second); err != nil {
		logger.Warn("shutdown error", "error", err)
	}
}
