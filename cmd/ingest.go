package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/troubleshoot-sh/evidenced/config"
	srv "github.com/troubleshoot-sh/evidenced/internal/server"
	"github.com/troubleshoot-sh/evidenced/internal/store"
	"github.com/troubleshoot-sh/evidenced/provider"
)

// ingestDocument is one entry of the ingest file.
type ingestDocument struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Content string `json:"content"`
	URL     string `json:"url,omitempty"`
}

func ingestCMD() *cobra.Command {
	var cfgPath string
	var file string

	var ingest = &cobra.Command{
		Use:   "ingest",
		Short: "Embed and load documents into the corpus",
		Long:  "Reads a JSON array of documents, embeds each with the configured provider and upserts them into the pgvector store.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			ctx := cmd.Context()

			raw, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read ingest file: %w", err)
			}
			var docs []ingestDocument
			if err := json.Unmarshal(raw, &docs); err != nil {
				return fmt.Errorf("parse ingest file: %w", err)
			}
			if len(docs) == 0 {
				return fmt.Errorf("ingest file contains no documents")
			}

			embedder, err := provider.NewProvider(provider.OpenAI, cfg.Providers.OpenAI)
			if err != nil {
				return err
			}
			dsn, err := cfg.Storage.Postgres.DSN()
			if err != nil {
				return err
			}
			if err := srv.Migrate("file://migrations", dsn, "up", 0); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			st, err := store.NewWithDSN(ctx, dsn)
			if err != nil {
				return err
			}
			defer st.Close()

			for _, doc := range docs {
				if doc.ID == "" || doc.Content == "" {
					return fmt.Errorf("document %q missing id or content", doc.ID)
				}
				embedCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
				vectors, err := embedder.CreateEmbedding(embedCtx, []string{doc.Title + "\n" + doc.Content})
				cancel()
				if err != nil {
					return fmt.Errorf("embed %s: %w", doc.ID, err)
				}
				if len(vectors) != 1 {
					return fmt.Errorf("embed %s: expected one vector, got %d", doc.ID, len(vectors))
				}
				if err := st.UpsertDocument(ctx, store.DocumentRecord{
					ID:      doc.ID,
					Title:   doc.Title,
					Content: doc.Content,
					URL:     doc.URL,
					Vector:  vectors[0],
				}); err != nil {
					return fmt.Errorf("upsert %s: %w", doc.ID, err)
				}
				fmt.Printf("ingested %s\n", doc.ID)
			}
			fmt.Printf("done: %d documents\n", len(docs))
			return nil
		},
	}
	ingest.Flags().StringVarP(&file, "file", "f", "", "JSON file with documents to ingest")
	_ = ingest.MarkFlagRequired("file")
	ingest.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return ingest
}
