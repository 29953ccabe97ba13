// Package neo4j mirrors the knowledge graph into Neo4j.
package neo4j

import (
	"context"
	"fmt"

	"github.com/efebarandurmaz/kiln/internal/graph"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

const (
	upsertEntities = "UNWIND $rows AS row " +
		"MERGE (e:Entity {key: row.key}) " +
		"SET e.name = row.name, e.type = row.type, e.description = row.description, e.source_ids = row.source_ids"
	upsertRelations = "UNWIND $rows AS row " +
		"MERGE (a:Entity {key: row.source}) " +
		"MERGE (b:Entity {key: row.target}) " +
		"MERGE (a)-[r:RELATED {key: row.key}]->(b) " +
		"SET r.weight = row.weight, r.description = row.description, r.keywords = row.keywords, r.source_ids = row.source_ids"
	deleteRelations = "MATCH ()-[r:RELATED]->() WHERE r.key IN $keys DELETE r"
	deleteEntities  = "MATCH (e:Entity) WHERE e.key IN $keys DETACH DELETE e"
	deleteAll       = "MATCH (e:Entity) DETACH DELETE e"
)

// Mirror implements graph.Mirror using Neo4j.
type Mirror struct {
	driver   neo4j.DriverWithContext
	database string
}

// New connects to Neo4j and verifies connectivity.
func New(ctx context.Context, uri, username, password, database string) (*Mirror, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, fmt.Errorf("neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("neo4j connectivity: %w", err)
	}
	return &Mirror{driver: driver, database: database}, nil
}

func (m *Mirror) write(ctx context.Context, fn func(tx neo4j.ManagedTransaction) error) error {
	session := m.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite, DatabaseName: m.database})
	defer session.Close(ctx)
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return nil, fn(tx)
	})
	return err
}

func (m *Mirror) Upsert(ctx context.Context, entities []graph.Entity, relations []graph.Relation) error {
	if len(entities) == 0 && len(relations) == 0 {
		return nil
	}
	err := m.write(ctx, func(tx neo4j.ManagedTransaction) error {
		if len(entities) > 0 {
			if _, err := tx.Run(ctx, upsertEntities, map[string]any{"rows": entityRows(entities)}); err != nil {
				return fmt.Errorf("entities: %w", err)
			}
		}
		if len(relations) > 0 {
			if _, err := tx.Run(ctx, upsertRelations, map[string]any{"rows": relationRows(relations)}); err != nil {
				return fmt.Errorf("relations: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("neo4j upsert: %w", err)
	}
	return nil
}

func (m *Mirror) Delete(ctx context.Context, entityKeys, relationKeys []string) error {
	if len(entityKeys) == 0 && len(relationKeys) == 0 {
		return nil
	}
	err := m.write(ctx, func(tx neo4j.ManagedTransaction) error {
		if len(relationKeys) > 0 {
			if _, err := tx.Run(ctx, deleteRelations, map[string]any{"keys": relationKeys}); err != nil {
				return err
			}
		}
		if len(entityKeys) > 0 {
			if _, err := tx.Run(ctx, deleteEntities, map[string]any{"keys": entityKeys}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("neo4j delete: %w", err)
	}
	return nil
}

func (m *Mirror) Reset(ctx context.Context) error {
	err := m.write(ctx, func(tx neo4j.ManagedTransaction) error {
		_, err := tx.Run(ctx, deleteAll, nil)
		return err
	})
	if err != nil {
		return fmt.Errorf("neo4j reset: %w", err)
	}
	return nil
}

func (m *Mirror) Close(ctx context.Context) error {
	return m.driver.Close(ctx)
}

func entityRows(entities []graph.Entity) []any {
	rows := make([]any, len(entities))
	for i, e := range entities {
		rows[i] = map[string]any{
			"key":         e.Key,
			"name":        e.Name,
			"type":        e.Type,
			"description": e.Description(),
			"source_ids":  stringsOrEmpty(e.SourceChunkIDs),
		}
	}
	return rows
}

func relationRows(relations []graph.Relation) []any {
	rows := make([]any, len(relations))
	for i, r := range relations {
		rows[i] = map[string]any{
			"key":         r.Key,
			"source":      r.Source,
			"target":      r.Target,
			"weight":      r.Weight,
			"description": r.Description(),
			"keywords":    stringsOrEmpty(r.Keywords),
			"source_ids":  stringsOrEmpty(r.SourceChunkIDs),
		}
	}
	return rows
}

// stringsOrEmpty keeps list properties present on the node when empty.
func stringsOrEmpty(xs []string) []string {
	if xs == nil {
		return []string{}
	}
	return xs
}

var _ graph.Mirror = (*Mirror)(nil)
