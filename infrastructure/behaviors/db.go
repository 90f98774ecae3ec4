package behaviors

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentflow-io/agentflow/internal/domain"
	"github.com/agentflow-io/agentflow/internal/ports"
)

var _ ports.Behavior = (*DBBehavior)(nil)

// defaultQueryLimit caps result rows when the declaration sets no limit.
const defaultQueryLimit = 100

// DBBehavior runs a read-only query against its source and records the
// result rows. Write statements are rejected by the query capability, so
// a workflow can never mutate a datastore.
type DBBehavior struct {
	id     string
	config DBConfig
	db     ports.QueryRunner
	source ports.SourceConfig
	tracer trace.Tracer
}

// DBConfig defines the metadata parameters accepted by db nodes.
type DBConfig struct {
	// Source names the db source; resolved by the factory.
	Source string `json:"source" validate:"required"`

	// Query is the SELECT statement template. Placeholders referencing
	// state keys are rendered strictly; a query with unresolved
	// placeholders never reaches the database. query_template is an
	// accepted alias.
	Query         string `json:"query,omitempty"`
	QueryTemplate string `json:"query_template,omitempty"`

	// Params are positional query parameters. String parameters are
	// template-rendered; other types pass through unchanged.
	Params []any `json:"params,omitempty"`

	// Limit caps the number of returned rows.
	Limit int `json:"limit,omitempty" validate:"gte=0"`

	// OutputKey overrides where the rows land; db_result when empty.
	OutputKey string `json:"output_key,omitempty"`

	Timeout float64 `json:"timeout,omitempty" validate:"gte=0"`
}

// NewDBBehavior creates a db behavior bound to a resolved source.
func NewDBBehavior(id string, config DBConfig, db ports.QueryRunner, source ports.SourceConfig) (*DBBehavior, error) {
	if id == "" {
		return nil, ErrEmptyNodeID
	}
	if db == nil {
		return nil, fmt.Errorf("db node requires a query capability")
	}
	if err := validate.Struct(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	if config.Query == "" {
		config.Query = config.QueryTemplate
	}
	if config.Query == "" {
		return nil, fmt.Errorf("db node requires metadata.query")
	}
	if config.OutputKey == "" {
		config.OutputKey = domain.KeyDBResult.Name()
	}
	if config.Limit == 0 {
		config.Limit = defaultQueryLimit
	}
	return &DBBehavior{
		id:     id,
		config: config,
		db:     db,
		source: source,
		tracer: otel.Tracer("db-behavior"),
	}, nil
}

// ID returns the bound node id.
func (b *DBBehavior) ID() string { return b.id }

// Execute renders the query and parameters, runs the query, and records
// the rows. Template rendering is always strict for queries: sending a
// statement with a literal placeholder to a database is never right.
func (b *DBBehavior) Execute(ctx context.Context, state domain.State) (*domain.Delta, error) {
	ctx, span := b.tracer.Start(ctx, "DBBehavior.Execute",
		trace.WithAttributes(attribute.String("node.id", b.id)),
	)
	defer span.End()

	query, err := renderTemplateStrict(b.config.Query, state)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	params := make([]any, len(b.config.Params))
	for i, p := range b.config.Params {
		if s, ok := p.(string); ok {
			rendered, err := renderTemplateStrict(s, state)
			if err != nil {
				span.RecordError(err)
				return nil, err
			}
			params[i] = rendered
			continue
		}
		params[i] = p
	}

	rows, err := b.db.Query(ctx, b.source, query, params, b.config.Limit)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("db.rows", len(rows)))

	delta := &domain.Delta{}
	delta.Set(b.config.OutputKey, rows)
	return delta, nil
}

// CreateDBBehavior builds a db behavior from node metadata.
func CreateDBBehavior(id string, metadata map[string]any, db ports.QueryRunner, source ports.SourceConfig) (*DBBehavior, error) {
	var config DBConfig
	if err := decodeMetadata(metadata, &config); err != nil {
		return nil, err
	}
	return NewDBBehavior(id, config, db, source)
}
