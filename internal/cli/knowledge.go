package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/wwwzy/ShopAgent/internal/knowledge"
)

var knowledgeCmd = &cobra.Command{
	Use:   "knowledge",
	Short: "管理知识库语料",
	Long:  `导入用户手册等文档（PDF 或纯文本），查看语料概况，或按相似度检索分片。`,
}

var knowledgeIngestCmd = &cobra.Command{
	Use:   "ingest <file>",
	Short: "导入文档到知识库",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		return withKnowledge(ctx, func(ks *knowledge.Store) error {
			fmt.Printf("Ingesting %s...\n", args[0])
			res, err := ks.Ingest(ctx, args[0], cfg.Knowledge.ChunkMaxChars)
			if err != nil {
				return err
			}
			fmt.Printf("Ingested %s: %d pages, %d chunks.\n", res.Source, res.Pages, res.Chunks)
			return nil
		})
	},
}

var knowledgeInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "显示知识库分片数量",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		n, err := store.CountKnowledgeChunks(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Knowledge Chunks: %d\n", n)
		return nil
	},
}

var knowledgeTopK int

var knowledgeSearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "按相似度检索知识库分片",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		k := knowledgeTopK
		if k <= 0 {
			k = cfg.Knowledge.TopK
		}
		return withKnowledge(ctx, func(ks *knowledge.Store) error {
			docs, err := ks.TopK(ctx, strings.Join(args, " "), k)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "Score\tChunk\tText")
			fmt.Fprintln(w, "-----\t-----\t----")
			for _, d := range docs {
				fmt.Fprintf(w, "%.4f\t%s\t%s\n", d.Score, d.ID, preview(d.Text, 80))
			}
			return w.Flush()
		})
	},
}

// withKnowledge 打开存储与向量模型后执行 fn。
func withKnowledge(ctx context.Context, fn func(ks *knowledge.Store) error) error {
	logger, closeLog, err := newLogger()
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	ks, err := newKnowledgeStore(ctx, store, logger)
	if err != nil {
		return err
	}
	if ks == nil {
		return errors.New("ark.embedding_model is required (or set ARK_EMBEDDING_MODEL env var)")
	}
	return fn(ks)
}

func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func init() {
	rootCmd.AddCommand(knowledgeCmd)
	knowledgeCmd.AddCommand(knowledgeIngestCmd)
	knowledgeCmd.AddCommand(knowledgeInfoCmd)
	knowledgeCmd.AddCommand(knowledgeSearchCmd)
	knowledgeSearchCmd.Flags().IntVar(&knowledgeTopK, "top-k", 0, "返回的分片数，默认取 knowledge.top_k")
}
