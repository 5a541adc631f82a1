package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"fieldshare/internal/config"
	"fieldshare/internal/schema"
	"fieldshare/internal/schemasrc"
)

type schemaPublisher interface {
	PutSchema(ctx context.Context, key string, tree schema.Tree) error
}

func newPublishCmd() *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "publish FILE",
		Short: "Upload a converted schema tree to object storage",
		Long: `Validates a schema tree file (.yaml, .yml or .json) and stores it in the
MinIO bucket the API loads schemas from. The key defaults to the file name
without its extension.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if strings.TrimSpace(cfg.MinioEndpoint) == "" {
				return errors.New("MINIO_ENDPOINT is not set")
			}
			source, err := schemasrc.NewMinioSource(schemasrc.MinioConfig{
				Endpoint:  cfg.MinioEndpoint,
				AccessKey: cfg.MinioAccessKey,
				SecretKey: cfg.MinioSecretKey,
				Bucket:    cfg.MinioBucket,
				Region:    cfg.MinioRegion,
				UseSSL:    cfg.MinioUseSSL,
			})
			if err != nil {
				return err
			}
			schemaKey, nodes, err := publishSchema(cmd.Context(), source, args[0], key)
			if err != nil {
				return err
			}
			log.Printf("published %s (%d nodes) to bucket %s", schemaKey, nodes, cfg.MinioBucket)
			return nil
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "schema key (defaults to the file name)")
	return cmd
}

// publishSchema indexes the tree before upload so a document with colliding
// identifiers never reaches the bucket.
func publishSchema(ctx context.Context, pub schemaPublisher, file, key string) (string, int, error) {
	if key == "" {
		key = strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
	}
	if err := schemasrc.ValidateKey(key); err != nil {
		return "", 0, err
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return "", 0, fmt.Errorf("read schema: %w", err)
	}
	tree, err := schemasrc.DecodeTree(file, data)
	if err != nil {
		return "", 0, err
	}
	if tree.IsEmpty() {
		return "", 0, fmt.Errorf("schema %s has no sections", file)
	}
	index, err := schema.NewIndex(tree)
	if err != nil {
		return "", 0, err
	}
	if err := pub.PutSchema(ctx, key, tree); err != nil {
		return "", 0, fmt.Errorf("publish %s: %w", key, err)
	}
	return key, index.Len(), nil
}
