package main

import (
	"fmt"
	"log"
	"os"

	"github.com/glebarez/sqlite"
	"github.com/wwwzy/ShopAgent/internal/storage"
	"gorm.io/gorm"
)

func main() {
	path := "shopagent.db"
	if len(os.Args) > 1 {
		path = os.Args[1]
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		log.Fatalf("failed to connect database: %v", err)
	}

	fmt.Println("--- Verifying ShopAgent Database ---")

	var chunkCount int64
	if !db.Migrator().HasTable(&storage.KnowledgeChunk{}) {
		fmt.Println("Table 'knowledge_chunks' does not exist yet.")
	} else {
		db.Model(&storage.KnowledgeChunk{}).Count(&chunkCount)
		fmt.Printf("Total Knowledge Chunks: %d\n", chunkCount)

		if chunkCount > 0 {
			var chunks []storage.KnowledgeChunk
			db.Order("page_number asc, chunk_index asc").Limit(5).Find(&chunks)
			fmt.Println("First 5 Chunks:")
			for _, c := range chunks {
				text := c.Text
				if len(text) > 50 {
					text = text[:47] + "..."
				}
				fmt.Printf("  [%s] %s dim=%d %s\n", c.ID, c.Source, len(c.Embedding), text)
			}
		}
	}

	fmt.Println("\n------------------------------------")

	var auditCount int64
	if !db.Migrator().HasTable(&storage.AuditRecord{}) {
		fmt.Println("Table 'audit_records' does not exist yet.")
	} else {
		db.Model(&storage.AuditRecord{}).Count(&auditCount)
		fmt.Printf("Total Audit Records: %d\n", auditCount)

		if auditCount > 0 {
			var recs []storage.AuditRecord
			db.Order("created_at desc").Limit(5).Find(&recs)
			fmt.Println("Latest 5 Audit Records (Local Time):")
			for _, r := range recs {
				fmt.Printf("  [%s] %s %s %s %s\n",
					r.CreatedAt.Local().Format("2006-01-02 15:04:05"), r.TraceID, r.Agent, r.Action, r.Status)
			}
		}
	}

	fmt.Println("\n------------------------------------")

	var productCount int64
	if !db.Migrator().HasTable("product_parameters") {
		fmt.Println("Table 'product_parameters' does not exist yet.")
	} else {
		db.Table("product_parameters").Count(&productCount)
		fmt.Printf("Total Product Rows: %d\n", productCount)
	}
}
