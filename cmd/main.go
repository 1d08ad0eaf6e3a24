package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"

	"github.com/docuchat/docuchat/internal/models"
	"github.com/docuchat/docuchat/internal/types"
	"github.com/docuchat/docuchat/pkg/chat"
	"github.com/docuchat/docuchat/pkg/chunker"
	cfgPkg "github.com/docuchat/docuchat/pkg/config"
	"github.com/docuchat/docuchat/pkg/ingest"
	"github.com/docuchat/docuchat/pkg/llm"
	"github.com/docuchat/docuchat/pkg/retrieval"
	"github.com/docuchat/docuchat/pkg/store"
	"github.com/docuchat/docuchat/server"
)

type options struct {
	configPath string
	serve      bool
	ingest     []string
	userID     int64
}

func main() {
	opts := parseFlags()

	if err := run(opts); err != nil {
		log.Fatal(err)
	}
}

func parseFlags() options {
	var opts options

	flag.StringVar(&opts.configPath, "config", "", "Path to config file")
	flag.BoolVar(&opts.serve, "serve", false, "Run the HTTP server instead of the interactive chat")
	flag.Int64Var(&opts.userID, "user", 1, "User id to act as")
	flag.Parse()

	opts.ingest = flag.Args()
	return opts
}

type app struct {
	config   *cfgPkg.Config
	store    types.Store
	index    types.VectorIndex
	pipeline *ingest.Pipeline
	chat     *chat.Orchestrator
}

func newApp(configPath string) (*app, error) {
	config, err := cfgPkg.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %v", err)
	}
	if errs := config.Validate(); len(errs) > 0 {
		for _, e := range errs {
			color.Red("config: %s", e.Error())
		}
		return nil, fmt.Errorf("invalid configuration")
	}

	embedder, err := llm.NewEmbedderWithConfig(llm.EmbedderConfig{
		Model:   config.LLM.EmbedModel,
		BaseURL: config.LLM.BaseURL,
		Timeout: time.Duration(config.LLM.Timeout),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedder: %v", err)
	}

	generator, err := llm.NewGeneratorWithConfig(llm.GeneratorConfig{
		Model:       config.LLM.ChatModel,
		Temperature: config.LLM.Temperature,
		MaxTokens:   config.LLM.MaxTokens,
		BaseURL:     config.LLM.BaseURL,
		Timeout:     time.Duration(config.LLM.Timeout),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize generator: %v", err)
	}

	// Without a database URL everything runs in memory, which is enough
	// for trying the tool out locally.
	var (
		st  types.Store
		idx types.VectorIndex
	)
	if config.Database.URL != "" {
		pgStore, err := store.NewPostgresStore(config.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %v", err)
		}
		pgIndex, err := store.NewPgVectorIndex(store.VectorIndexConfig{
			ConnString: config.Database.URL,
			TableName:  config.Database.TableName,
			VectorDim:  config.Database.VectorDim,
			BatchSize:  config.Database.BatchSize,
		})
		if err != nil {
			pgStore.Close()
			return nil, fmt.Errorf("failed to initialize vector index: %v", err)
		}
		st, idx = pgStore, pgIndex
	} else {
		color.Yellow("No database configured, using in-memory storage")
		st, idx = store.NewMemoryStore(), store.NewMemoryIndex()
	}

	ch := chunker.NewWithConfig(chunker.Config{
		MaxChunkSize: config.Chunker.ChunkSize,
		Overlap:      config.Chunker.ChunkOverlap,
	})

	pipeline := ingest.NewWithConfig(st, embedder, idx, ch, ingest.Config{
		MaxAttempts:  config.Ingest.MaxAttempts,
		RetryBackoff: time.Duration(config.Ingest.RetryBackoff),
		RateLimit:    config.Ingest.RateLimit,
	})

	engine := retrieval.NewWithConfig(st, embedder, idx, retrieval.Config{
		DefaultLimit: config.Retrieval.MaxResults,
		MaxLimit:     config.Retrieval.ResultCap,
	})

	orchestrator := chat.NewWithConfig(st, engine, generator, chat.Config{
		ContextBudget: config.Chat.ContextBudget,
		HistoryWindow: config.Chat.HistoryWindow,
	})

	return &app{
		config:   config,
		store:    st,
		index:    idx,
		pipeline: pipeline,
		chat:     orchestrator,
	}, nil
}

func run(opts options) error {
	a, err := newApp(opts.configPath)
	if err != nil {
		return err
	}
	defer a.store.Close()

	ctx := context.Background()

	if len(opts.ingest) > 0 {
		if err := a.ingestFiles(ctx, opts.userID, opts.ingest); err != nil {
			return err
		}
	}

	if opts.serve {
		port, err := strconv.Atoi(a.config.Server.Port)
		if err != nil {
			return fmt.Errorf("invalid port %q: %v", a.config.Server.Port, err)
		}
		srv := server.NewWithConfig(a.store, a.pipeline, a.chat, server.Config{Port: port})
		return srv.Start()
	}

	return a.chatLoop(ctx, opts.userID)
}

// ingestFiles reads each file as plain text and runs it through the
// pipeline, reporting progress per file.
func (a *app) ingestFiles(ctx context.Context, userID int64, paths []string) error {
	color.Blue("\nIngesting %d file(s)\n", len(paths))

	bar := getProgressBar(len(paths), "Indexing documents...")

	for _, path := range paths {
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %v", path, err)
		}

		name := filepath.Base(path)
		doc := &models.Document{
			Title:    name,
			FileName: name,
			FileType: strings.TrimPrefix(filepath.Ext(path), "."),
			FileSize: int64(len(content)),
			OwnerID:  userID,
			Status:   models.StatusPending,
		}
		if err := a.store.CreateDocument(ctx, doc); err != nil {
			return fmt.Errorf("failed to create document for %s: %v", path, err)
		}

		if err := a.pipeline.Ingest(ctx, doc.ID, string(content)); err != nil {
			color.Red("\nFailed to ingest %s: %v", path, err)
		}
		bar.Add(1)
	}
	bar.Finish()

	color.Green("\nDone\n")
	return nil
}

func (a *app) chatLoop(ctx context.Context, userID int64) error {
	color.Cyan("\nChat with your documents (type 'exit' to quit)")

	scanner := bufio.NewScanner(os.Stdin)
	userPrompt := color.New(color.FgGreen).PrintfFunc()
	assistantPrompt := color.New(color.FgCyan).PrintfFunc()

	var conversationID *int64

	for {
		userPrompt("\nYou: ")
		if !scanner.Scan() {
			break
		}

		query := strings.TrimSpace(scanner.Text())
		if query == "" {
			continue
		}
		if strings.ToLower(query) == "exit" {
			break
		}

		spinner := getSpinner("Thinking...")
		resp, err := a.chat.Send(ctx, userID, chat.Request{
			ConversationID: conversationID,
			Message:        query,
		})
		spinner.Finish()
		fmt.Print("\r")

		if err != nil {
			color.Red("Error: %v\n", err)
			continue
		}
		conversationID = &resp.ConversationID

		assistantPrompt("Assistant: %s\n", resp.Message.Content)
		if len(resp.ChunksUsed) > 0 {
			color.White("  (%d source chunk(s) used)", len(resp.ChunksUsed))
		}
	}

	return nil
}

func getProgressBar(total int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription(color.BlueString(description)),
		progressbar.OptionSetItsString("docs"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetRenderBlankState(true),
	)
}

func getSpinner(description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(-1,
		progressbar.OptionSetDescription(color.CyanString(description)),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetWidth(20),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetRenderBlankState(true),
	)
}
