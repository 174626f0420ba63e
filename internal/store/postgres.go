package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alecgard/agentdeck/internal/crypto"
	"github.com/alecgard/agentdeck/internal/memory"
	"github.com/alecgard/agentdeck/internal/registry"
	"github.com/alecgard/agentdeck/internal/runtime"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists definitions, deployment snapshots and conversation
// memory. Tool credentials and snapshot blobs are sealed with cipher when
// one is configured.
type PostgresStore struct {
	pool   *pgxpool.Pool
	cipher *crypto.Cipher
}

// NewPostgresStore creates a store backed by the given pool. cipher may be nil.
func NewPostgresStore(pool *pgxpool.Pool, cipher *crypto.Cipher) *PostgresStore {
	return &PostgresStore{pool: pool, cipher: cipher}
}

const uniqueViolation = "23505"

// mapErr translates driver errors into registry sentinels.
func mapErr(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return registry.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return registry.ErrAlreadyExists
	}
	return fmt.Errorf("%s: %w", what, err)
}

// --- agents ---

const agentColumns = `id, organization_id, name, description, instructions, model,
	tools, memory, voice, status, metadata, created_at, updated_at`

func scanAgent(row pgx.Row) (*registry.AgentDefinition, error) {
	var a registry.AgentDefinition
	var toolsJSON, memoryJSON, voiceJSON, metadataJSON []byte
	err := row.Scan(
		&a.ID,
		&a.OrganizationID,
		&a.Name,
		&a.Description,
		&a.Instructions,
		&a.Model,
		&toolsJSON,
		&memoryJSON,
		&voiceJSON,
		&a.Status,
		&metadataJSON,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := unmarshalColumns(map[string]columnTarget{
		"tools":    {toolsJSON, &a.Tools},
		"memory":   {memoryJSON, &a.Memory},
		"voice":    {voiceJSON, &a.Voice},
		"metadata": {metadataJSON, &a.Metadata},
	}); err != nil {
		return nil, err
	}
	if a.Tools == nil {
		a.Tools = []string{}
	}
	return &a, nil
}

type columnTarget struct {
	data []byte
	dst  any
}

func unmarshalColumns(cols map[string]columnTarget) error {
	for name, c := range cols {
		if len(c.data) == 0 || string(c.data) == "null" {
			continue
		}
		if err := json.Unmarshal(c.data, c.dst); err != nil {
			return fmt.Errorf("unmarshalling %s: %w", name, err)
		}
	}
	return nil
}

// jsonb marshals v for a JSONB column, mapping nil to SQL NULL.
func jsonb(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return nil, nil
	}
	return b, nil
}

func agentArgs(a *registry.AgentDefinition) ([]any, error) {
	tools, err := json.Marshal(a.Tools)
	if err != nil {
		return nil, fmt.Errorf("marshalling tools: %w", err)
	}
	mem, err := jsonb(a.Memory)
	if err != nil {
		return nil, fmt.Errorf("marshalling memory: %w", err)
	}
	voice, err := jsonb(a.Voice)
	if err != nil {
		return nil, fmt.Errorf("marshalling voice: %w", err)
	}
	metadata, err := json.Marshal(nonNilMap(a.Metadata))
	if err != nil {
		return nil, fmt.Errorf("marshalling metadata: %w", err)
	}
	return []any{
		a.ID, a.OrganizationID, a.Name, a.Description, a.Instructions, a.Model,
		tools, mem, voice, a.Status, metadata, a.CreatedAt, a.UpdatedAt,
	}, nil
}

// withoutCreatedAt drops the created_at argument, which is always the
// second to last column, for UPDATE statements.
func withoutCreatedAt(args []any) []any {
	n := len(args)
	out := make([]any, 0, n-1)
	out = append(out, args[:n-2]...)
	return append(out, args[n-1])
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// CreateAgent inserts a new agent.
func (s *PostgresStore) CreateAgent(ctx context.Context, a *registry.AgentDefinition) error {
	args, err := agentArgs(a)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, fmt.Sprintf(`INSERT INTO agents (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`, agentColumns), args...)
	if err != nil {
		return mapErr(err, "creating agent")
	}
	return nil
}

// GetAgent retrieves an agent by id.
func (s *PostgresStore) GetAgent(ctx context.Context, orgID, id string) (*registry.AgentDefinition, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM agents WHERE organization_id = $1 AND id = $2`, agentColumns),
		orgID, id)
	a, err := scanAgent(row)
	if err != nil {
		return nil, mapErr(err, "getting agent")
	}
	return a, nil
}

// ListAgents returns a page of agents ordered by created_at DESC, id DESC.
func (s *PostgresStore) ListAgents(ctx context.Context, orgID string, params registry.ListParams) ([]*registry.AgentDefinition, string, error) {
	query, args, limit, err := listQuery("agents", agentColumns, orgID, params)
	if err != nil {
		return nil, "", err
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("listing agents: %w", err)
	}
	defer rows.Close()

	var agents []*registry.AgentDefinition
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, "", fmt.Errorf("scanning agent: %w", err)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterating agents: %w", err)
	}

	var nextCursor string
	if len(agents) > limit {
		last := agents[limit-1]
		nextCursor = encodeCursor(last.CreatedAt, last.ID)
		agents = agents[:limit]
	}
	return agents, nextCursor, nil
}

// UpdateAgent replaces the mutable fields of an agent.
func (s *PostgresStore) UpdateAgent(ctx context.Context, a *registry.AgentDefinition) error {
	args, err := agentArgs(a)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `UPDATE agents SET
		name = $3, description = $4, instructions = $5, model = $6, tools = $7,
		memory = $8, voice = $9, status = $10, metadata = $11, updated_at = $12
		WHERE id = $1 AND organization_id = $2`, withoutCreatedAt(args)...)
	if err != nil {
		return mapErr(err, "updating agent")
	}
	if tag.RowsAffected() == 0 {
		return registry.ErrNotFound
	}
	return nil
}

// DeleteAgent removes an agent by id.
func (s *PostgresStore) DeleteAgent(ctx context.Context, orgID, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM agents WHERE organization_id = $1 AND id = $2`, orgID, id)
	if err != nil {
		return fmt.Errorf("deleting agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return registry.ErrNotFound
	}
	return nil
}

// --- tools ---

const toolColumns = `id, organization_id, name, description, input_schema, output_schema,
	endpoint, method, headers, content_type, body_format, auth, rate_limit, timeout_ms,
	retries, cache, validation, transform, status, metadata, created_at, updated_at`

func (s *PostgresStore) scanTool(row pgx.Row) (*registry.ToolDefinition, error) {
	var t registry.ToolDefinition
	var inputJSON, outputJSON, headersJSON, authSealed, cacheJSON, validationJSON, transformJSON, metadataJSON []byte
	err := row.Scan(
		&t.ID,
		&t.OrganizationID,
		&t.Name,
		&t.Description,
		&inputJSON,
		&outputJSON,
		&t.Endpoint,
		&t.Method,
		&headersJSON,
		&t.ContentType,
		&t.BodyFormat,
		&authSealed,
		&t.RateLimit,
		&t.TimeoutMs,
		&t.Retries,
		&cacheJSON,
		&validationJSON,
		&transformJSON,
		&t.Status,
		&metadataJSON,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	authJSON, err := s.cipher.Open(authSealed)
	if err != nil {
		return nil, fmt.Errorf("opening auth for tool %s: %w", t.ID, err)
	}
	if err := unmarshalColumns(map[string]columnTarget{
		"input_schema":  {inputJSON, &t.InputSchema},
		"output_schema": {outputJSON, &t.OutputSchema},
		"headers":       {headersJSON, &t.Headers},
		"auth":          {authJSON, &t.Auth},
		"cache":         {cacheJSON, &t.Cache},
		"validation":    {validationJSON, &t.Validation},
		"transform":     {transformJSON, &t.Transform},
		"metadata":      {metadataJSON, &t.Metadata},
	}); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PostgresStore) toolArgs(t *registry.ToolDefinition) ([]any, error) {
	var auth []byte
	if t.Auth != nil {
		plain, err := json.Marshal(t.Auth)
		if err != nil {
			return nil, fmt.Errorf("marshalling auth: %w", err)
		}
		if auth, err = s.cipher.Seal(plain); err != nil {
			return nil, fmt.Errorf("sealing auth: %w", err)
		}
	}
	cols := make([][]byte, 0, 7)
	for _, v := range []any{t.InputSchema, t.OutputSchema, t.Headers, t.Cache, t.Validation, t.Transform, nonNilMap(t.Metadata)} {
		b, err := jsonb(v)
		if err != nil {
			return nil, fmt.Errorf("marshalling tool column: %w", err)
		}
		cols = append(cols, b)
	}
	headers := cols[2]
	if headers == nil {
		headers = []byte("{}")
	}
	return []any{
		t.ID, t.OrganizationID, t.Name, t.Description, cols[0], cols[1],
		t.Endpoint, t.Method, headers, t.ContentType, t.BodyFormat, auth, t.RateLimit, t.TimeoutMs,
		t.Retries, cols[3], cols[4], cols[5], t.Status, cols[6], t.CreatedAt, t.UpdatedAt,
	}, nil
}

// CreateTool inserts a new tool.
func (s *PostgresStore) CreateTool(ctx context.Context, t *registry.ToolDefinition) error {
	args, err := s.toolArgs(t)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, fmt.Sprintf(`INSERT INTO tools (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`,
		toolColumns), args...)
	if err != nil {
		return mapErr(err, "creating tool")
	}
	return nil
}

// GetTool retrieves a tool by id, including its credentials.
func (s *PostgresStore) GetTool(ctx context.Context, orgID, id string) (*registry.ToolDefinition, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM tools WHERE organization_id = $1 AND id = $2`, toolColumns),
		orgID, id)
	t, err := s.scanTool(row)
	if err != nil {
		return nil, mapErr(err, "getting tool")
	}
	return t, nil
}

// ListTools returns a page of tools ordered by created_at DESC, id DESC.
func (s *PostgresStore) ListTools(ctx context.Context, orgID string, params registry.ListParams) ([]*registry.ToolDefinition, string, error) {
	query, args, limit, err := listQuery("tools", toolColumns, orgID, params)
	if err != nil {
		return nil, "", err
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("listing tools: %w", err)
	}
	defer rows.Close()

	var tools []*registry.ToolDefinition
	for rows.Next() {
		t, err := s.scanTool(rows)
		if err != nil {
			return nil, "", fmt.Errorf("scanning tool: %w", err)
		}
		tools = append(tools, t)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterating tools: %w", err)
	}

	var nextCursor string
	if len(tools) > limit {
		last := tools[limit-1]
		nextCursor = encodeCursor(last.CreatedAt, last.ID)
		tools = tools[:limit]
	}
	return tools, nextCursor, nil
}

// UpdateTool replaces the mutable fields of a tool.
func (s *PostgresStore) UpdateTool(ctx context.Context, t *registry.ToolDefinition) error {
	args, err := s.toolArgs(t)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `UPDATE tools SET
		name = $3, description = $4, input_schema = $5, output_schema = $6, endpoint = $7,
		method = $8, headers = $9, content_type = $10, body_format = $11, auth = $12,
		rate_limit = $13, timeout_ms = $14, retries = $15, cache = $16, validation = $17,
		transform = $18, status = $19, metadata = $20, updated_at = $21
		WHERE id = $1 AND organization_id = $2`, withoutCreatedAt(args)...)
	if err != nil {
		return mapErr(err, "updating tool")
	}
	if tag.RowsAffected() == 0 {
		return registry.ErrNotFound
	}
	return nil
}

// DeleteTool removes a tool by id.
func (s *PostgresStore) DeleteTool(ctx context.Context, orgID, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tools WHERE organization_id = $1 AND id = $2`, orgID, id)
	if err != nil {
		return fmt.Errorf("deleting tool: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return registry.ErrNotFound
	}
	return nil
}

// listQuery builds the paginated SELECT shared by agents and tools.
func listQuery(table, columns, orgID string, params registry.ListParams) (string, []any, int, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}

	args := []any{orgID}
	whereClauses := []string{"organization_id = $1"}

	if params.Cursor != "" {
		cursorTime, cursorID, err := decodeCursor(params.Cursor)
		if err != nil {
			return "", nil, 0, fmt.Errorf("invalid cursor: %w", err)
		}
		whereClauses = append(whereClauses,
			fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)+1, len(args)+2))
		args = append(args, cursorTime, cursorID)
	}

	if params.Query != "" {
		args = append(args, "%"+params.Query+"%")
		whereClauses = append(whereClauses,
			fmt.Sprintf("(name ILIKE $%d OR description ILIKE $%d)", len(args), len(args)))
	}

	args = append(args, limit+1)
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s ORDER BY created_at DESC, id DESC LIMIT $%d`,
		columns, table, strings.Join(whereClauses, " AND "), len(args))
	return query, args, limit, nil
}

// --- deployments ---

// SaveSnapshot upserts the deployment row and bumps its version. The agent
// row is locked for the duration so a concurrent delete cannot leave an
// orphaned deployed snapshot.
func (s *PostgresStore) SaveSnapshot(ctx context.Context, orgID, agentID string, blob []byte, at time.Time) (int, error) {
	sealed, err := s.cipher.Seal(blob)
	if err != nil {
		return 0, fmt.Errorf("sealing snapshot: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var one int
	err = tx.QueryRow(ctx,
		`SELECT 1 FROM agents WHERE organization_id = $1 AND id = $2 FOR UPDATE`,
		orgID, agentID).Scan(&one)
	if err != nil {
		return 0, mapErr(err, "locking agent")
	}

	var version int
	err = tx.QueryRow(ctx, `INSERT INTO deployments
		(organization_id, agent_id, snapshot, is_deployed, deployed_at, version)
		VALUES ($1, $2, $3, TRUE, $4, 1)
		ON CONFLICT (organization_id, agent_id) DO UPDATE SET
			snapshot = EXCLUDED.snapshot,
			is_deployed = TRUE,
			deployed_at = EXCLUDED.deployed_at,
			version = deployments.version + 1
		RETURNING version`,
		orgID, agentID, sealed, at).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("saving snapshot: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("committing snapshot: %w", err)
	}
	return version, nil
}

const deploymentColumns = `organization_id, agent_id, snapshot, is_deployed, deployed_at, version`

func (s *PostgresStore) scanDeployment(row pgx.Row) (*registry.DeploymentRecord, error) {
	var r registry.DeploymentRecord
	var sealed []byte
	var deployedAt *time.Time
	if err := row.Scan(&r.OrganizationID, &r.AgentID, &sealed, &r.IsDeployed, &deployedAt, &r.Version); err != nil {
		return nil, err
	}
	if deployedAt != nil {
		r.DeployedAt = *deployedAt
	}
	if len(sealed) > 0 {
		blob, err := s.cipher.Open(sealed)
		if err != nil {
			return nil, fmt.Errorf("opening snapshot for agent %s: %w", r.AgentID, err)
		}
		r.Snapshot = blob
	}
	return &r, nil
}

// LoadSnapshot reads the deployment record of one agent in a single query.
func (s *PostgresStore) LoadSnapshot(ctx context.Context, orgID, agentID string) (*registry.DeploymentRecord, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM deployments WHERE organization_id = $1 AND agent_id = $2`, deploymentColumns),
		orgID, agentID)
	r, err := s.scanDeployment(row)
	if err != nil {
		return nil, mapErr(err, "loading snapshot")
	}
	return r, nil
}

// ClearSnapshot marks the deployment undeployed and drops the blob. The
// version is kept so the next deploy continues the sequence.
func (s *PostgresStore) ClearSnapshot(ctx context.Context, orgID, agentID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE deployments
		SET is_deployed = FALSE, snapshot = NULL
		WHERE organization_id = $1 AND agent_id = $2 AND is_deployed`,
		orgID, agentID)
	if err != nil {
		return false, fmt.Errorf("clearing snapshot: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListSnapshots returns deployed records whose agent still exists and is not
// inactive.
func (s *PostgresStore) ListSnapshots(ctx context.Context, orgID string) ([]*registry.DeploymentRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT d.organization_id, d.agent_id, d.snapshot, d.is_deployed, d.deployed_at, d.version
		FROM deployments d
		JOIN agents a ON a.organization_id = d.organization_id AND a.id = d.agent_id
		WHERE d.organization_id = $1 AND d.is_deployed AND a.status <> 'inactive'
		ORDER BY d.deployed_at DESC, d.agent_id`, orgID)
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	defer rows.Close()

	var records []*registry.DeploymentRecord
	for rows.Next() {
		r, err := s.scanDeployment(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning snapshot: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// --- memory ---

// AppendMessages stores messages for a conversation thread.
func (s *PostgresStore) AppendMessages(ctx context.Context, key memory.Key, msgs []runtime.Message) error {
	batch := &pgx.Batch{}
	for _, m := range msgs {
		batch.Queue(`INSERT INTO agent_messages (organization_id, agent_id, thread, resource, role, content)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			key.OrganizationID, key.AgentID, key.Thread, key.Resource, m.Role, m.Content)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("appending messages: %w", err)
	}
	return nil
}

// LastMessages returns the newest n messages of a thread, oldest first.
func (s *PostgresStore) LastMessages(ctx context.Context, key memory.Key, n int) ([]runtime.Message, error) {
	rows, err := s.pool.Query(ctx, `SELECT role, content FROM agent_messages
		WHERE organization_id = $1 AND agent_id = $2 AND thread = $3 AND resource = $4
		ORDER BY id DESC LIMIT $5`,
		key.OrganizationID, key.AgentID, key.Thread, key.Resource, n)
	if err != nil {
		return nil, fmt.Errorf("loading messages: %w", err)
	}
	defer rows.Close()

	var msgs []runtime.Message
	for rows.Next() {
		var m runtime.Message
		if err := rows.Scan(&m.Role, &m.Content); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
