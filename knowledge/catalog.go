package knowledge

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Offering is one course taught in one semester, with what has been ingested for it.
type Offering struct {
	Course    string `json:"course"`
	Semester  string `json:"semester"`
	Documents int    `json:"documents"`
	Chunks    int    `json:"chunks"`
}

// Catalog lists the course offerings known to the graph, ordered by course then
// semester.
func Catalog(ctx context.Context, driver neo4j.DriverWithContext) ([]Offering, error) {
	if driver == nil {
		return nil, fmt.Errorf("neo4j driver is nil")
	}

	session := driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx, `
		MATCH (c:Course)-[:OFFERED_IN]->(s:Semester)
		OPTIONAL MATCH (c)<-[:FOR_COURSE]-(d:Document)
		WHERE d.semester = s.name
		OPTIONAL MATCH (d)-[:HAS_CHUNK]->(k:Chunk)
		RETURN c.name AS course,
		       s.name AS semester,
		       count(DISTINCT d) AS documents,
		       count(DISTINCT k) AS chunks
		ORDER BY course, semester
	`, nil)
	if err != nil {
		return nil, fmt.Errorf("run neo4j catalog query: %w", err)
	}

	offerings := make([]Offering, 0)
	for result.Next(ctx) {
		record := result.Record()
		course, _ := record.Get("course")
		semester, _ := record.Get("semester")
		documents, _ := record.Get("documents")
		chunks, _ := record.Get("chunks")

		name, ok := course.(string)
		if !ok {
			continue
		}
		sem, _ := semester.(string)
		docCount, _ := toInt(documents)
		chunkCount, _ := toInt(chunks)

		offerings = append(offerings, Offering{
			Course:    name,
			Semester:  sem,
			Documents: docCount,
			Chunks:    chunkCount,
		})
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("neo4j catalog result error: %w", err)
	}
	return offerings, nil
}

func toInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}
