// Package knowledge keeps a Neo4j graph of courses, semesters, documents and chunks
// in step with the published snapshot.
package knowledge

import (
	"context"
	"fmt"
	"sort"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/fabfab/campusqa/store"
)

type Document struct {
	ID         string
	Course     string
	Semester   string
	Subject    string
	SourcePath string
	Chunks     []Chunk
}

type Chunk struct {
	ID    string
	Index int
	Page  int
	Text  string
	Start int
	End   int
}

// DocumentsFromChunks groups snapshot chunks by document, in document id order.
func DocumentsFromChunks(chunks []store.Chunk) []Document {
	byID := make(map[string]*Document)
	order := make([]string, 0)

	for i := range chunks {
		c := &chunks[i]
		doc, ok := byID[c.DocumentID]
		if !ok {
			doc = &Document{
				ID:         c.DocumentID,
				Course:     c.Course,
				Semester:   c.Semester,
				Subject:    c.Subject,
				SourcePath: c.SourcePath,
			}
			byID[c.DocumentID] = doc
			order = append(order, c.DocumentID)
		}
		doc.Chunks = append(doc.Chunks, Chunk{
			ID:    c.ChunkID,
			Index: len(doc.Chunks),
			Page:  c.Page,
			Text:  c.Text,
			Start: c.Start,
			End:   c.End,
		})
	}

	sort.Strings(order)
	docs := make([]Document, 0, len(order))
	for _, id := range order {
		doc := byID[id]
		sort.Slice(doc.Chunks, func(i, j int) bool { return doc.Chunks[i].ID < doc.Chunks[j].ID })
		for i := range doc.Chunks {
			doc.Chunks[i].Index = i
		}
		docs = append(docs, *doc)
	}
	return docs
}

// SyncDocument upserts doc with its course, semester and chunk nodes, replacing any
// chunks from an earlier snapshot.
func SyncDocument(ctx context.Context, driver neo4j.DriverWithContext, doc Document) error {
	if driver == nil {
		return fmt.Errorf("neo4j driver is nil")
	}

	session := driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	params := map[string]any{
		"id":          doc.ID,
		"course":      doc.Course,
		"semester":    doc.Semester,
		"subject":     doc.Subject,
		"source_path": doc.SourcePath,
	}

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, `
			MERGE (d:Document {id: $id})
			SET d.course = $course,
			    d.semester = $semester,
			    d.subject = $subject,
			    d.source_path = $source_path,
			    d.updated_at = datetime()
		`, params); err != nil {
			return nil, fmt.Errorf("upsert document node: %w", err)
		}

		if _, err := tx.Run(ctx, `
			MATCH (d:Document {id: $id})-[r:FOR_COURSE]->(:Course)
			DELETE r
		`, params); err != nil {
			return nil, fmt.Errorf("remove stale course relation: %w", err)
		}

		if doc.Course != "" {
			if _, err := tx.Run(ctx, `
				MATCH (d:Document {id: $id})
				MERGE (c:Course {name: $course})
				MERGE (d)-[:FOR_COURSE]->(c)
			`, params); err != nil {
				return nil, fmt.Errorf("upsert course relation: %w", err)
			}
			if doc.Semester != "" {
				if _, err := tx.Run(ctx, `
					MATCH (c:Course {name: $course})
					MERGE (s:Semester {name: $semester})
					MERGE (c)-[:OFFERED_IN]->(s)
				`, params); err != nil {
					return nil, fmt.Errorf("upsert semester relation: %w", err)
				}
			}
		}

		if _, err := tx.Run(ctx, `
			MATCH (d:Document {id: $id})-[:HAS_CHUNK]->(c:Chunk)
			DETACH DELETE c
		`, params); err != nil {
			return nil, fmt.Errorf("clear existing chunk nodes: %w", err)
		}

		for _, chunk := range doc.Chunks {
			if _, err := tx.Run(ctx, `
				MATCH (d:Document {id: $doc_id})
				MERGE (c:Chunk {id: $chunk_id})
				SET c.index = $chunk_index,
				    c.page = $chunk_page,
				    c.text = $chunk_text,
				    c.start = $chunk_start,
				    c.end = $chunk_end
				MERGE (d)-[:HAS_CHUNK {order: $chunk_index}]->(c)
			`, map[string]any{
				"doc_id":      doc.ID,
				"chunk_id":    chunk.ID,
				"chunk_index": chunk.Index,
				"chunk_page":  chunk.Page,
				"chunk_text":  chunk.Text,
				"chunk_start": chunk.Start,
				"chunk_end":   chunk.End,
			}); err != nil {
				return nil, fmt.Errorf("upsert chunk node: %w", err)
			}
		}

		return nil, nil
	})
	return err
}

// Prune removes documents missing from keep, together with their chunks, and any
// course or semester no document refers to anymore.
func Prune(ctx context.Context, driver neo4j.DriverWithContext, keep []string) error {
	if driver == nil {
		return fmt.Errorf("neo4j driver is nil")
	}

	session := driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		stmts := []struct {
			query string
			what  string
		}{
			{`MATCH (d:Document) WHERE NOT d.id IN $ids
			  OPTIONAL MATCH (d)-[:HAS_CHUNK]->(c:Chunk)
			  DETACH DELETE c, d`, "stale documents"},
			{`MATCH (c:Course) WHERE NOT (c)<-[:FOR_COURSE]-(:Document)
			  DETACH DELETE c`, "orphan courses"},
			{`MATCH (c:Course)-[r:OFFERED_IN]->(s:Semester)
			  WHERE NOT EXISTS {
			    MATCH (c)<-[:FOR_COURSE]-(d:Document) WHERE d.semester = s.name
			  }
			  DELETE r`, "stale offerings"},
			{`MATCH (s:Semester) WHERE NOT (s)<-[:OFFERED_IN]-(:Course)
			  DETACH DELETE s`, "orphan semesters"},
		}
		for _, stmt := range stmts {
			if _, err := tx.Run(ctx, stmt.query, map[string]any{"ids": keep}); err != nil {
				return nil, fmt.Errorf("remove %s: %w", stmt.what, err)
			}
		}
		return nil, nil
	})
	return err
}

// Purge deletes every node this package manages.
func Purge(ctx context.Context, driver neo4j.DriverWithContext) error {
	if driver == nil {
		return fmt.Errorf("neo4j driver is nil")
	}

	session := driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, `
			MATCH (n)
			WHERE n:Document OR n:Chunk OR n:Course OR n:Semester
			DETACH DELETE n
		`, nil); err != nil {
			return nil, fmt.Errorf("purge graph: %w", err)
		}
		return nil, nil
	})
	return err
}
