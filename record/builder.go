package record

import (
	"context"
	"fmt"
	"regexp"

	"github.com/mehdimirhoseini/axelor-studio/internal/exprs"
)

// Builder constructs execution contexts from records, identifiers or query
// expressions, and persists mutations back through the repository declared
// for the model.
type Builder struct {
	resolver Resolver
}

func NewBuilder(resolver Resolver) *Builder {
	return &Builder{resolver: resolver}
}

// FromRecord wraps a record in a context.
func (b *Builder) FromRecord(rec Record) *Context {
	return FromRecord(rec)
}

// Find loads the record with the given id. It returns nil when the record
// does not exist and an UnknownModelError when the model is not known.
func (b *Builder) Find(ctx context.Context, model string, id int64) (*Context, error) {
	repo, err := b.resolver.Repository(model)
	if err != nil {
		return nil, err
	}

	rec, err := repo.Find(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("finding %s %d: %w", model, id, err)
	}
	if rec == nil {
		return nil, nil
	}

	return FromRecord(rec), nil
}

// FilterOne returns the first record matching the query, or nil when
// nothing matches. Positional parameters are referenced as ?1, ?2, ...
func (b *Builder) FilterOne(ctx context.Context, model, query string, params ...any) (*Context, error) {
	matches, err := b.filter(ctx, model, query, positionalParams(params), true)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}

	return matches[0], nil
}

// FilterOneNamed is FilterOne with :name parameters.
func (b *Builder) FilterOneNamed(ctx context.Context, model, query string, params map[string]any) (*Context, error) {
	matches, err := b.filter(ctx, model, query, namedParams(params), true)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}

	return matches[0], nil
}

// Filter returns every record matching the query.
func (b *Builder) Filter(ctx context.Context, model, query string, params ...any) ([]*Context, error) {
	return b.filter(ctx, model, query, positionalParams(params), false)
}

func (b *Builder) filter(ctx context.Context, model, query string, params map[string]any, first bool) ([]*Context, error) {
	repo, err := b.resolver.Repository(model)
	if err != nil {
		return nil, err
	}

	records, err := repo.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", model, err)
	}

	query = rewriteQuery(query)

	var matches []*Context
	for _, rec := range records {
		c := FromRecord(rec)

		env := map[string]any{"self": c.Env()}
		for k, v := range params {
			env[k] = v
		}

		if exprs.Bool(query, env) {
			matches = append(matches, c)
			if first {
				break
			}
		}
	}

	return matches, nil
}

// Save persists the context's mutated fields through the model's
// repository.
func (b *Builder) Save(ctx context.Context, c *Context) error {
	if c.Record() == nil {
		return fmt.Errorf("saving detached context for model %q", c.ModelName())
	}

	repo, err := b.resolver.Repository(c.ModelName())
	if err != nil {
		return err
	}

	if d, ok := c.Record().(*Dynamic); ok {
		for k, v := range c.values {
			if k == "id" {
				continue
			}
			if _, nested := v.(*Context); nested {
				continue
			}
			d.Set(k, v)
		}
	}

	if err := repo.Save(ctx, c.Record()); err != nil {
		return fmt.Errorf("saving %s %d: %w", c.ModelName(), c.ID(), err)
	}

	return nil
}

var (
	positionalRef = regexp.MustCompile(`\?(\d+)`)
	namedRef      = regexp.MustCompile(`:([A-Za-z_][A-Za-z0-9_]*)`)
)

// rewriteQuery maps JPQL-style parameter references onto expression
// variables: ?1 -> _p1, :name -> _p_name. A bare "=" is accepted as
// equality.
func rewriteQuery(query string) string {
	query = positionalRef.ReplaceAllString(query, "_p$1")
	query = namedRef.ReplaceAllString(query, "_p_$1")

	return singleEquals.ReplaceAllString(query, "$1==$2")
}

var singleEquals = regexp.MustCompile(`([^=!<>])=([^=])`)

func positionalParams(params []any) map[string]any {
	m := map[string]any{}
	for i, p := range params {
		m[fmt.Sprintf("_p%d", i+1)] = p
	}

	return m
}

func namedParams(params map[string]any) map[string]any {
	m := map[string]any{}
	for k, v := range params {
		m["_p_"+k] = v
	}

	return m
}
