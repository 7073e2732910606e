package database

import (
	"database/sql"
	"encoding/json"
	"time"
)

// UpsertNode creates or updates a node by its stable key. Returns the node id.
func (db *DB) UpsertNode(key, nodeType, label string, properties map[string]any) (int64, error) {
	props, err := marshalProps(properties)
	if err != nil {
		return 0, err
	}
	_, err = db.conn.Exec(
		`INSERT INTO graph_nodes (node_key, node_type, label, properties)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(node_key) DO UPDATE SET
			node_type = excluded.node_type,
			label = excluded.label,
			properties = excluded.properties`,
		key, nodeType, label, props,
	)
	if err != nil {
		return 0, err
	}
	var id int64
	if err := db.conn.QueryRow(`SELECT id FROM graph_nodes WHERE node_key = ?`, key).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

const nodeColumns = `id, node_key, node_type, label, properties`

// NodeByKey returns a node by its stable key, or nil.
func (db *DB) NodeByKey(key string) (*GraphNode, error) {
	row := db.conn.QueryRow(`SELECT `+nodeColumns+` FROM graph_nodes WHERE node_key = ?`, key)
	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return n, nil
}

// NodeByID returns a node by row id, or nil.
func (db *DB) NodeByID(id int64) (*GraphNode, error) {
	row := db.conn.QueryRow(`SELECT `+nodeColumns+` FROM graph_nodes WHERE id = ?`, id)
	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return n, nil
}

// NodesByType returns all nodes of one type, ordered by key.
func (db *DB) NodesByType(nodeType string) ([]GraphNode, error) {
	rows, err := db.conn.Query(
		`SELECT `+nodeColumns+` FROM graph_nodes WHERE node_type = ? ORDER BY node_key`, nodeType,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNodes(rows)
}

// SearchNodes does a substring match over node keys and labels, optionally
// filtered by type.
func (db *DB) SearchNodes(query string, nodeType *string) ([]GraphNode, error) {
	like := "%" + query + "%"
	sqlQuery := `SELECT ` + nodeColumns + ` FROM graph_nodes
		WHERE (node_key LIKE ? OR label LIKE ?)`
	args := []any{like, like}
	if nodeType != nil {
		sqlQuery += " AND node_type = ?"
		args = append(args, *nodeType)
	}
	sqlQuery += " ORDER BY node_key"

	rows, err := db.conn.Query(sqlQuery, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNodes(rows)
}

// UpsertEdge creates or refreshes a directed edge between two nodes.
func (db *DB) UpsertEdge(sourceID, targetID int64, edgeType string, weight, confidence float64,
	properties map[string]any, createdBy string) error {
	props, err := marshalProps(properties)
	if err != nil {
		return err
	}
	_, err = db.conn.Exec(
		`INSERT INTO graph_edges (source_node_id, target_node_id, edge_type, weight, confidence, properties, created_by)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_node_id, target_node_id, edge_type, created_by) DO UPDATE SET
			weight = excluded.weight,
			confidence = excluded.confidence,
			properties = excluded.properties`,
		sourceID, targetID, edgeType, weight, confidence, props, createdBy,
	)
	return err
}

// Edge directions for EdgesForNode.
const (
	DirectionOut  = "out"
	DirectionIn   = "in"
	DirectionBoth = "both"
)

// EdgesForNode returns edges touching a node in the given direction.
func (db *DB) EdgesForNode(nodeID int64, direction string) ([]GraphEdge, error) {
	query := `SELECT id, source_node_id, target_node_id, edge_type, weight, confidence, properties, created_by
		FROM graph_edges WHERE `
	var args []any
	switch direction {
	case DirectionOut:
		query += "source_node_id = ?"
		args = append(args, nodeID)
	case DirectionIn:
		query += "target_node_id = ?"
		args = append(args, nodeID)
	default:
		query += "(source_node_id = ? OR target_node_id = ?)"
		args = append(args, nodeID, nodeID)
	}
	query += " ORDER BY id"

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edges []GraphEdge
	for rows.Next() {
		var e GraphEdge
		var props *string
		if err := rows.Scan(&e.ID, &e.SourceNodeID, &e.TargetNodeID, &e.Type,
			&e.Weight, &e.Confidence, &props, &e.CreatedBy); err != nil {
			return nil, err
		}
		if e.Properties, err = unmarshalProps(props); err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

const contextColumns = `id, node_id, context_type, context_key, context_value, applicable_when, source, last_updated`

// ContextsForNode returns all contexts for a node, curated and computed.
func (db *DB) ContextsForNode(nodeID int64) ([]GraphContext, error) {
	rows, err := db.conn.Query(
		`SELECT `+contextColumns+` FROM graph_contexts
		WHERE node_id = ? ORDER BY context_type, context_key, source`, nodeID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanContexts(rows)
}

// GetContext returns one context row, or nil.
func (db *DB) GetContext(nodeID int64, contextType, contextKey, source string) (*GraphContext, error) {
	rows, err := db.conn.Query(
		`SELECT `+contextColumns+` FROM graph_contexts
		WHERE node_id = ? AND context_type = ? AND context_key = ? AND source = ?`,
		nodeID, contextType, contextKey, source,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	contexts, err := scanContexts(rows)
	if err != nil {
		return nil, err
	}
	if len(contexts) == 0 {
		return nil, nil
	}
	return &contexts[0], nil
}

// UpsertAnalystContext writes an analyst-authored context row. The
// enrichment engine never touches these.
func (db *DB) UpsertAnalystContext(nodeID int64, contextType, contextKey, value string,
	applicableWhen *string, at time.Time) error {
	_, err := db.conn.Exec(
		`INSERT INTO graph_contexts (node_id, context_type, context_key, context_value, applicable_when, source, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(node_id, context_type, context_key, source) DO UPDATE SET
			context_value = excluded.context_value,
			applicable_when = excluded.applicable_when,
			last_updated = excluded.last_updated`,
		nodeID, contextType, contextKey, value, applicableWhen, SourceAnalyst, formatTime(at),
	)
	return err
}

// ReplaceComputedContext transactionally replaces the computed context for
// one (node, type, key) so a reader never observes a half-written payload.
func (db *DB) ReplaceComputedContext(nodeID int64, contextType, contextKey, value string,
	applicableWhen *string, at time.Time) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`DELETE FROM graph_contexts
		WHERE node_id = ? AND context_type = ? AND context_key = ? AND source = ?`,
		nodeID, contextType, contextKey, SourceComputed,
	); err != nil {
		return err
	}
	if _, err := tx.Exec(
		`INSERT INTO graph_contexts (node_id, context_type, context_key, context_value, applicable_when, source, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		nodeID, contextType, contextKey, value, applicableWhen, SourceComputed, formatTime(at),
	); err != nil {
		return err
	}
	return tx.Commit()
}

func marshalProps(properties map[string]any) (*string, error) {
	if len(properties) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(properties)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func unmarshalProps(props *string) (map[string]any, error) {
	if props == nil || *props == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(*props), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func scanNode(row *sql.Row) (*GraphNode, error) {
	var n GraphNode
	var props *string
	if err := row.Scan(&n.ID, &n.Key, &n.Type, &n.Label, &props); err != nil {
		return nil, err
	}
	var err error
	if n.Properties, err = unmarshalProps(props); err != nil {
		return nil, err
	}
	return &n, nil
}

func scanNodes(rows *sql.Rows) ([]GraphNode, error) {
	var nodes []GraphNode
	for rows.Next() {
		var n GraphNode
		var props *string
		if err := rows.Scan(&n.ID, &n.Key, &n.Type, &n.Label, &props); err != nil {
			return nil, err
		}
		var err error
		if n.Properties, err = unmarshalProps(props); err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

func scanContexts(rows *sql.Rows) ([]GraphContext, error) {
	var contexts []GraphContext
	for rows.Next() {
		var c GraphContext
		var updated string
		if err := rows.Scan(&c.ID, &c.NodeID, &c.Type, &c.Key, &c.Value,
			&c.ApplicableWhen, &c.Source, &updated); err != nil {
			return nil, err
		}
		c.LastUpdated = parseTime(updated)
		contexts = append(contexts, c)
	}
	return contexts, rows.Err()
}
