package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/chainflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. event log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Chains ---

func (s *LibSQLStore) CreateChain(ctx context.Context, c *Chain) error {
	graph, err := json.Marshal(c.Graph)
	if err != nil {
		return fmt.Errorf("marshal graph: %w", err)
	}
	version := c.Version
	if version == 0 {
		version = 1
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO chains (id, name, description, version, graph, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, description=excluded.description,
		   version=chains.version + 1, graph=excluded.graph, updated_at=CURRENT_TIMESTAMP`,
		c.ID, nullStr(c.Name), nullStr(c.Description), version, string(graph),
		timeOrNow(c.CreatedAt), timeOrNow(c.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetChain(ctx context.Context, id string) (*Chain, error) {
	c := &Chain{}
	var name, desc sql.NullString
	var graphJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, version, graph, created_at, updated_at FROM chains WHERE id = ?`, id,
	).Scan(&c.ID, &name, &desc, &c.Version, &graphJSON, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("chain", id)
	}
	if err != nil {
		return nil, err
	}
	c.Name = name.String
	c.Description = desc.String
	if err := json.Unmarshal([]byte(graphJSON), &c.Graph); err != nil {
		return nil, fmt.Errorf("unmarshal graph: %w", err)
	}
	return c, nil
}

func (s *LibSQLStore) ListChains(ctx context.Context, limit int) ([]*Chain, error) {
	query := `SELECT id, name, description, version, graph, created_at, updated_at FROM chains ORDER BY id`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chains []*Chain
	for rows.Next() {
		c := &Chain{}
		var name, desc sql.NullString
		var graphJSON string
		if err := rows.Scan(&c.ID, &name, &desc, &c.Version, &graphJSON, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		c.Name = name.String
		c.Description = desc.String
		if err := json.Unmarshal([]byte(graphJSON), &c.Graph); err != nil {
			return nil, fmt.Errorf("unmarshal graph: %w", err)
		}
		chains = append(chains, c)
	}
	return chains, rows.Err()
}

func (s *LibSQLStore) DeleteChain(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chains WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "chain", id)
}

// --- Chain Executions ---

func (s *LibSQLStore) CreateExecution(ctx context.Context, ex *ChainExecution) error {
	input, err := marshalMapOrDefault(ex.Input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO chain_executions (id, chain_id, status, priority, input, vars, output, error, created_at, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ex.ID, ex.ChainID, string(ex.Status), ex.Priority, string(input),
		nullRaw(ex.Vars), nullRaw(ex.Output), nullRaw(ex.Error),
		timeOrNow(ex.CreatedAt), nullTime(ex.StartedAt), nullTime(ex.CompletedAt), timeOrNow(ex.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*ChainExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chain_id, status, priority, input, vars, output, error, created_at, started_at, completed_at, updated_at
		 FROM chain_executions WHERE id = ?`, id,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	executions, err := scanExecutions(rows)
	if err != nil {
		return nil, err
	}
	if len(executions) == 0 {
		return nil, storeNotFound("execution", id)
	}
	return executions[0], nil
}

func (s *LibSQLStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Vars != nil {
		sets = append(sets, "vars = ?")
		args = append(args, string(update.Vars))
	}
	if update.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, string(update.Output))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE chain_executions SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "execution", id)
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*ChainExecution, error) {
	var where []string
	var args []any

	if filter.ChainID != "" {
		where = append(where, "chain_id = ?")
		args = append(args, filter.ChainID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, chain_id, status, priority, input, vars, output, error, created_at, started_at, completed_at, updated_at FROM chain_executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanExecutions(rows)
}

func scanExecutions(rows *sql.Rows) ([]*ChainExecution, error) {
	var executions []*ChainExecution
	for rows.Next() {
		ex := &ChainExecution{}
		var status string
		var inputJSON string
		var vars, output, errJSON sql.NullString
		var startedAt, completedAt sql.NullTime
		if err := rows.Scan(&ex.ID, &ex.ChainID, &status, &ex.Priority, &inputJSON, &vars, &output, &errJSON,
			&ex.CreatedAt, &startedAt, &completedAt, &ex.UpdatedAt); err != nil {
			return nil, err
		}
		ex.Status = schema.ExecutionStatus(status)
		if inputJSON != "" {
			_ = json.Unmarshal([]byte(inputJSON), &ex.Input)
		}
		ex.Vars = rawOrNil(vars)
		ex.Output = rawOrNil(output)
		ex.Error = rawOrNil(errJSON)
		if startedAt.Valid {
			ex.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			ex.CompletedAt = &completedAt.Time
		}
		executions = append(executions, ex)
	}
	return executions, rows.Err()
}

// --- Node Results ---

func (s *LibSQLStore) UpsertNodeResult(ctx context.Context, nr *NodeResult) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO node_results (execution_id, node_id, status, output, error, attempts, started_at, completed_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id, node_id) DO UPDATE SET
		   status=excluded.status, output=excluded.output, error=excluded.error,
		   attempts=excluded.attempts, started_at=excluded.started_at,
		   completed_at=excluded.completed_at, duration_ms=excluded.duration_ms`,
		nr.ExecutionID, nr.NodeID, string(nr.Status),
		nullRaw(nr.Output), nullRaw(nr.Error),
		nr.Attempts, nullTime(nr.StartedAt), nullTime(nr.CompletedAt), nr.DurationMs,
	)
	return err
}

func (s *LibSQLStore) GetNodeResult(ctx context.Context, executionID, nodeID string) (*NodeResult, error) {
	nr := &NodeResult{}
	var status string
	var output, errJSON sql.NullString
	var startedAt, completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT execution_id, node_id, status, output, error, attempts, started_at, completed_at, duration_ms
		 FROM node_results WHERE execution_id = ? AND node_id = ?`, executionID, nodeID,
	).Scan(&nr.ExecutionID, &nr.NodeID, &status, &output, &errJSON,
		&nr.Attempts, &startedAt, &completedAt, &nr.DurationMs)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("node_result", executionID+"/"+nodeID)
	}
	if err != nil {
		return nil, err
	}
	nr.Status = schema.NodeStatus(status)
	nr.Output = rawOrNil(output)
	nr.Error = rawOrNil(errJSON)
	if startedAt.Valid {
		nr.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		nr.CompletedAt = &completedAt.Time
	}
	return nr, nil
}

func (s *LibSQLStore) ListNodeResults(ctx context.Context, executionID string) ([]*NodeResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT execution_id, node_id, status, output, error, attempts, started_at, completed_at, duration_ms
		 FROM node_results WHERE execution_id = ?`, executionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*NodeResult
	for rows.Next() {
		nr := &NodeResult{}
		var status string
		var output, errJSON sql.NullString
		var startedAt, completedAt sql.NullTime
		if err := rows.Scan(&nr.ExecutionID, &nr.NodeID, &status, &output, &errJSON,
			&nr.Attempts, &startedAt, &completedAt, &nr.DurationMs); err != nil {
			return nil, err
		}
		nr.Status = schema.NodeStatus(status)
		nr.Output = rawOrNil(output)
		nr.Error = rawOrNil(errJSON)
		if startedAt.Valid {
			nr.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			nr.CompletedAt = &completedAt.Time
		}
		results = append(results, nr)
	}
	return results, rows.Err()
}

// --- Edge Results ---

func (s *LibSQLStore) UpsertEdgeResult(ctx context.Context, er *EdgeResult) error {
	var value any
	if er.Value != nil {
		if *er.Value {
			value = 1
		} else {
			value = 0
		}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO edge_results (execution_id, edge_id, status, condition, value, evaluated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id, edge_id) DO UPDATE SET
		   status=excluded.status, condition=excluded.condition,
		   value=excluded.value, evaluated_at=excluded.evaluated_at`,
		er.ExecutionID, er.EdgeID, string(er.Status), nullStr(er.Condition),
		value, nullTime(er.EvaluatedAt),
	)
	return err
}

func (s *LibSQLStore) ListEdgeResults(ctx context.Context, executionID string) ([]*EdgeResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT execution_id, edge_id, status, condition, value, evaluated_at
		 FROM edge_results WHERE execution_id = ?`, executionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*EdgeResult
	for rows.Next() {
		er := &EdgeResult{}
		var status string
		var condition sql.NullString
		var value sql.NullInt64
		var evaluatedAt sql.NullTime
		if err := rows.Scan(&er.ExecutionID, &er.EdgeID, &status, &condition, &value, &evaluatedAt); err != nil {
			return nil, err
		}
		er.Status = schema.EdgeStatus(status)
		er.Condition = condition.String
		if value.Valid {
			b := value.Int64 != 0
			er.Value = &b
		}
		if evaluatedAt.Valid {
			er.EvaluatedAt = &evaluatedAt.Time
		}
		results = append(results, er)
	}
	return results, rows.Err()
}

// --- Agents ---

func (s *LibSQLStore) RegisterAgent(ctx context.Context, agent *schema.AgentSpec) error {
	config, err := nullableJSON(agent.Config)
	if err != nil {
		return fmt.Errorf("marshal agent config: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agents (id, name, model, status, config, timeout, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, model=excluded.model, status=excluded.status,
		   config=excluded.config, timeout=excluded.timeout`,
		agent.ID, agent.Name, nullStr(agent.Model), agent.Status, config, nullStr(agent.Timeout),
	)
	return err
}

func (s *LibSQLStore) GetAgent(ctx context.Context, id string) (*schema.AgentSpec, error) {
	a := &schema.AgentSpec{}
	var model, config, timeout sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, model, status, config, timeout FROM agents WHERE id = ?`, id,
	).Scan(&a.ID, &a.Name, &model, &a.Status, &config, &timeout)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("agent", id)
	}
	if err != nil {
		return nil, err
	}
	a.Model = model.String
	a.Config = jsonOrNil(config)
	a.Timeout = timeout.String
	return a, nil
}

func (s *LibSQLStore) ListAgents(ctx context.Context) ([]*schema.AgentSpec, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, model, status, config, timeout FROM agents ORDER BY id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []*schema.AgentSpec
	for rows.Next() {
		a := &schema.AgentSpec{}
		var model, config, timeout sql.NullString
		if err := rows.Scan(&a.ID, &a.Name, &model, &a.Status, &config, &timeout); err != nil {
			return nil, err
		}
		a.Model = model.String
		a.Config = jsonOrNil(config)
		a.Timeout = timeout.String
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// --- Agent Executions ---

func (s *LibSQLStore) CreateAgentExecution(ctx context.Context, ae *AgentExecution) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_executions (id, agent_id, execution_id, node_id, status, params, output, error, timeout_sec, created_at, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ae.ID, ae.AgentID, nullStr(ae.ExecutionID), nullStr(ae.NodeID), string(ae.Status),
		nullRaw(ae.Params), nullRaw(ae.Output), nullStr(ae.Error), ae.TimeoutSec,
		timeOrNow(ae.CreatedAt), nullTime(ae.StartedAt), nullTime(ae.CompletedAt),
	)
	return err
}

func (s *LibSQLStore) GetAgentExecution(ctx context.Context, id string) (*AgentExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, execution_id, node_id, status, params, output, error, timeout_sec, created_at, started_at, completed_at
		 FROM agent_executions WHERE id = ?`, id,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	executions, err := scanAgentExecutions(rows)
	if err != nil {
		return nil, err
	}
	if len(executions) == 0 {
		return nil, storeNotFound("agent_execution", id)
	}
	return executions[0], nil
}

func (s *LibSQLStore) UpdateAgentExecution(ctx context.Context, id string, update AgentExecutionUpdate) error {
	sets, args := agentExecutionSets(update)
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE agent_executions SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "agent_execution", id)
}

// TransitionAgentExecution applies an update only when the record is still in
// the `from` state. The WHERE clause makes the state transition atomic, which
// keeps the timeout monitor and normal completion from both claiming a
// terminal transition. Returns false (no error) when the guard did not match.
func (s *LibSQLStore) TransitionAgentExecution(ctx context.Context, id string, from, to schema.AgentExecutionStatus, update AgentExecutionUpdate) (bool, error) {
	update.Status = &to
	sets, args := agentExecutionSets(update)
	args = append(args, id, string(from))

	query := fmt.Sprintf("UPDATE agent_executions SET %s WHERE id = ? AND status = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func agentExecutionSets(update AgentExecutionUpdate) ([]string, []any) {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, string(update.Output))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *update.Error)
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	return sets, args
}

func (s *LibSQLStore) ListAgentExecutions(ctx context.Context, filter AgentExecutionFilter) ([]*AgentExecution, error) {
	var where []string
	var args []any

	if filter.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if filter.ExecutionID != "" {
		where = append(where, "execution_id = ?")
		args = append(args, filter.ExecutionID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}

	query := `SELECT id, agent_id, execution_id, node_id, status, params, output, error, timeout_sec, created_at, started_at, completed_at FROM agent_executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAgentExecutions(rows)
}

func scanAgentExecutions(rows *sql.Rows) ([]*AgentExecution, error) {
	var executions []*AgentExecution
	for rows.Next() {
		ae := &AgentExecution{}
		var executionID, nodeID, errMsg sql.NullString
		var params, output sql.NullString
		var status string
		var startedAt, completedAt sql.NullTime
		if err := rows.Scan(&ae.ID, &ae.AgentID, &executionID, &nodeID, &status,
			&params, &output, &errMsg, &ae.TimeoutSec, &ae.CreatedAt, &startedAt, &completedAt); err != nil {
			return nil, err
		}
		ae.ExecutionID = executionID.String
		ae.NodeID = nodeID.String
		ae.Status = schema.AgentExecutionStatus(status)
		ae.Params = rawOrNil(params)
		ae.Output = rawOrNil(output)
		ae.Error = errMsg.String
		if startedAt.Valid {
			ae.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			ae.CompletedAt = &completedAt.Time
		}
		executions = append(executions, ae)
	}
	return executions, rows.Err()
}

// --- Events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Next sequence number for this execution.
	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE execution_id = ?`, event.ExecutionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	payload := nullRaw(event.Payload)
	ts := timeOrNow(event.Timestamp)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (execution_id, node_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ExecutionID, nullStr(event.NodeID), event.Type, payload, ts, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, node_id, event_type, payload, timestamp, sequence
		 FROM events WHERE execution_id = ? AND sequence > ? ORDER BY sequence ASC`,
		executionID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	var where []string
	var args []any

	where = append(where, "event_type = ?")
	args = append(args, eventType)

	if filter.ExecutionID != "" {
		where = append(where, "execution_id = ?")
		args = append(args, filter.ExecutionID)
	}
	if filter.NodeID != "" {
		where = append(where, "node_id = ?")
		args = append(args, filter.NodeID)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, execution_id, node_id, event_type, payload, timestamp, sequence FROM events`
	query += " WHERE " + strings.Join(where, " AND ")
	query += " ORDER BY timestamp DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var nodeID sql.NullString
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.ExecutionID, &nodeID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.NodeID = nodeID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Schedules ---

func (s *LibSQLStore) CreateSchedule(ctx context.Context, sched *Schedule) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules (id, chain_id, cron_expression, input, enabled, last_run_at, next_run_at, last_run_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sched.ID, sched.ChainID, sched.CronExpression, nullRaw(sched.Input),
		boolToInt(sched.Enabled), nullTime(sched.LastRunAt), nullTime(sched.NextRunAt),
		nullStr(sched.LastRunStatus), timeOrNow(sched.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	sched := &Schedule{}
	var input, lastStatus sql.NullString
	var enabled int
	var lastRun, nextRun sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, chain_id, cron_expression, input, enabled, last_run_at, next_run_at, last_run_status, created_at
		 FROM schedules WHERE id = ?`, id,
	).Scan(&sched.ID, &sched.ChainID, &sched.CronExpression, &input, &enabled, &lastRun, &nextRun, &lastStatus, &sched.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("schedule", id)
	}
	if err != nil {
		return nil, err
	}
	sched.Input = rawOrNil(input)
	sched.Enabled = enabled != 0
	sched.LastRunStatus = lastStatus.String
	if lastRun.Valid {
		sched.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		sched.NextRunAt = &nextRun.Time
	}
	return sched, nil
}

func (s *LibSQLStore) UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolToInt(*update.Enabled))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE schedules SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

func (s *LibSQLStore) ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error) {
	var where []string
	var args []any

	if filter.ChainID != "" {
		where = append(where, "chain_id = ?")
		args = append(args, filter.ChainID)
	}
	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolToInt(*filter.Enabled))
	}

	query := `SELECT id, chain_id, cron_expression, input, enabled, last_run_at, next_run_at, last_run_status, created_at FROM schedules`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []*Schedule
	for rows.Next() {
		sched := &Schedule{}
		var input, lastStatus sql.NullString
		var enabled int
		var lastRun, nextRun sql.NullTime
		if err := rows.Scan(&sched.ID, &sched.ChainID, &sched.CronExpression, &input, &enabled,
			&lastRun, &nextRun, &lastStatus, &sched.CreatedAt); err != nil {
			return nil, err
		}
		sched.Input = rawOrNil(input)
		sched.Enabled = enabled != 0
		sched.LastRunStatus = lastStatus.String
		if lastRun.Valid {
			sched.LastRunAt = &lastRun.Time
		}
		if nextRun.Valid {
			sched.NextRunAt = &nextRun.Time
		}
		schedules = append(schedules, sched)
	}
	return schedules, rows.Err()
}

func (s *LibSQLStore) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.ChainflowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func jsonOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func nullableJSON(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	return string(raw), nil
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
