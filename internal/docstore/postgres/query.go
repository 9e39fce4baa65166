package postgres

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/JakeFAU/crawl-frontier/internal/docstore"
)

type selectStatement struct {
	sql  string
	args []any
}

func (s *Store) selectQuery(coll docstore.Collection, filter docstore.Filter, order []docstore.Sort) (selectStatement, error) {
	where, args, err := whereClause(filter)
	if err != nil {
		return selectStatement{}, err
	}
	orderBy, err := orderClause(order)
	if err != nil {
		return selectStatement{}, err
	}
	return selectStatement{
		sql:  fmt.Sprintf(`SELECT id, doc FROM %s%s%s`, s.Table(coll), where, orderBy),
		args: args,
	}, nil
}

// whereClause renders a conjunction of terms as one jsonb containment test.
func whereClause(filter docstore.Filter) (string, []any, error) {
	if len(filter) == 0 {
		return "", nil, nil
	}
	contained := make(map[string]any, len(filter))
	for _, term := range filter {
		if prior, dup := contained[term.Field]; dup && !docstore.Equal(prior, term.Value) {
			return " WHERE false", nil, nil
		}
		contained[term.Field] = term.Value
	}
	body, err := json.Marshal(contained)
	if err != nil {
		return "", nil, fmt.Errorf("encode filter: %w", err)
	}
	return ` WHERE doc @> $1::jsonb`, []any{string(body)}, nil
}

func orderClause(order []docstore.Sort) (string, error) {
	parts := make([]string, 0, len(order)+1)
	byID := false
	for _, key := range order {
		dir := "ASC"
		if key.Desc {
			dir = "DESC"
		}
		if key.Field == docstore.FieldID {
			parts = append(parts, "id "+dir)
			byID = true
			continue
		}
		if !validIdentifier.MatchString(key.Field) {
			return "", fmt.Errorf("invalid sort field %q", key.Field)
		}
		parts = append(parts, fmt.Sprintf("doc->'%s' %s", key.Field, dir))
	}
	if !byID {
		parts = append(parts, "id ASC")
	}
	return " ORDER BY " + strings.Join(parts, ", "), nil
}
