package main

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"github.com/shopspring/decimal"

	"github.com/zombor/invoice-dedup/internal/dedup"
	"github.com/zombor/invoice-dedup/internal/invoice"
	"github.com/zombor/invoice-dedup/internal/scanning"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	fs := ff.NewFlagSet("invoice-dedup")
	var (
		port            = fs.IntLong("port", 8080, "HTTP server port")
		storeType       = fs.StringLong("store", "bolt", "Persistence backend: 'bolt' or 'postgres'")
		dbPath          = fs.StringLong("db", "invoice-dedup.db", "BoltDB file path (store=bolt)")
		databaseURL     = fs.StringLong("database-url", "", "PostgreSQL connection URL (store=postgres)")
		storagePath     = fs.StringLong("storage", "./invoices", "Storage directory path")
		scannerType     = fs.StringLong("scanner", "gemini", "Field extraction: 'gemini', 'ollama' or 'none'")
		geminiKey       = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel     = fs.StringLong("gemini-model", "gemini-2.5-pro", "Google Gemini model name")
		ollamaURL       = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel     = fs.StringLong("ollama-model", "llava", "Ollama model name (e.g., llava, qwen2-vl)")
		authUser        = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass        = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		rulesFile       = fs.StringLong("rules-file", "", "YAML rule set used to seed an empty rule store")
		reviewThreshold = fs.Float64Long("review-threshold", dedup.DefaultReviewThreshold, "Confidence below which duplicates require human review")
		concurrency     = fs.IntLong("detector-concurrency", 4, "Maximum detection strategies run at once per document")
		wcWeight        = fs.Float64Long("wc-weight", 0.3, "Share of adjusted confidence taken from the working-capital score")
		costOfCapital   = fs.Float64Long("cost-of-capital", 0.08, "Annual cost of capital used for delayed cash-flow cost")
		minImpact       = fs.StringLong("min-financial-impact", "1000", "Composite candidates tying up less capital are dropped")
		paymentDays     = fs.IntLong("default-payment-days", 45, "Days to payment when payment terms cannot be read")
		showVersion     = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("INVOICE_DEDUP"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	ctx := context.Background()

	minImpactAmount, err := decimal.NewFromString(*minImpact)
	if err != nil {
		slog.Error("Invalid minimum financial impact", "value", *minImpact, "error", err)
		os.Exit(1)
	}

	// Initialize database
	slog.Info("Initializing database...", "store", *storeType)
	var db invoice.DB
	switch *storeType {
	case "bolt":
		db, err = invoice.NewBoltDB(*dbPath)
	case "postgres":
		var pg *invoice.PGDB
		pg, err = invoice.NewPGDB(ctx, *databaseURL)
		if err == nil {
			db = pg
			err = invoice.RunMigrations(ctx, pg.DB)
		}
	default:
		err = fmt.Errorf("invalid store type %q, valid: bolt or postgres", *storeType)
	}
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Initialize scanner based on type
	var scanner scanning.Scanner
	var transcriber scanning.Transcriber
	switch *scannerType {
	case "gemini":
		// Get Gemini API key from flag or environment
		apiKey := *geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			slog.Error("Gemini API key is required. Set --gemini-key flag or GEMINI_API_KEY environment variable")
			os.Exit(1)
		}
		slog.Info("Initializing Gemini scanner...", "model", *geminiModel)
		gemini, err := scanning.NewGemini(ctx, apiKey, *geminiModel)
		if err != nil {
			slog.Error("Failed to initialize Gemini", "error", err)
			os.Exit(1)
		}
		scanner, transcriber = gemini, gemini
	case "ollama":
		slog.Info("Initializing Ollama scanner...", "url", *ollamaURL, "model", *ollamaModel)
		ollama, err := scanning.NewOllama(*ollamaURL, *ollamaModel)
		if err != nil {
			slog.Error("Failed to initialize Ollama", "error", err)
			os.Exit(1)
		}
		scanner, transcriber = ollama, ollama
	case "none":
		slog.Warn("No scanner configured; invoices are stored without extracted fields")
	default:
		slog.Error("Invalid scanner type", "type", *scannerType, "valid", "gemini, ollama or none")
		os.Exit(1)
	}
	if scanner != nil {
		defer scanner.Close()
	}

	// Initialize storage
	slog.Info("Initializing storage...")
	store, err := invoice.NewLocalStorage(*storagePath)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}

	// Initialize duplicate detection
	rules := dedup.NewRuleStore(db)
	if err := rules.Load(ctx); err != nil {
		slog.Error("Failed to load deduplication rules", "error", err)
		os.Exit(1)
	}
	extractor := &scanning.DocumentText{Transcriber: transcriber}
	engine := dedup.NewEngine(db, rules, &invoice.TextSource{Extractor: extractor, Storage: store, DB: db}, dedup.Config{
		ReviewThreshold: *reviewThreshold,
		MaxConcurrency:  *concurrency,
		WorkingCapital: dedup.WorkingCapitalConfig{
			Weight:             *wcWeight,
			CostOfCapital:      *costOfCapital,
			DefaultPaymentDays: *paymentDays,
			MinFinancialImpact: minImpactAmount,
		},
	})

	if *rulesFile != "" {
		if err := seedRules(ctx, db, engine, *rulesFile); err != nil {
			slog.Error("Failed to seed deduplication rules", "path", *rulesFile, "error", err)
			os.Exit(1)
		}
	}
	slog.Info("Deduplication rules loaded", "rules", len(engine.Rules()))

	// Initialize service
	invoiceService := invoice.NewService(db, scanner, extractor, store, engine)

	// Initialize server
	basicAuth := invoice.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	}
	server := invoice.NewServer(invoiceService, basicAuth)

	// Start server in goroutine
	addr := fmt.Sprintf(":%d", *port)
	go func() {
		if err := server.Start(addr); err != nil {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr), "version", version)
	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("Shutting down...")
}

// seedRules installs the rules file when no rules have been persisted yet
func seedRules(ctx context.Context, db invoice.DB, engine *dedup.Engine, path string) error {
	existing, err := db.ListRules(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		slog.Info("Rule store already populated, ignoring rules file", "path", path, "rules", len(existing))
		return nil
	}
	rules, err := dedup.LoadRulesFile(path)
	if err != nil {
		return err
	}
	return engine.UpdateDeduplicationRules(ctx, rules)
}
