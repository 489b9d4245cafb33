// Package params resolves project- and task-level parameters and substitutes
// them into queries and filenames. Parameters are resolved once per run so the
// same values are used throughout.
package params

import (
	"context"
	"fmt"
	"regexp"
	"sort"

	"extracthub/internal/dateparse"
	"extracthub/internal/model"
	"extracthub/internal/store"
	"extracthub/pkg/secrets"
)

var parseMarkerRe = regexp.MustCompile(`(?i)parse\((.*?)\)`)

// Param is one resolved key/value pair.
type Param struct {
	Key   string
	Value string
}

// Set holds a run's resolved parameters, project scope and task scope kept
// apart so per-scope SQL redeclarations both apply.
type Set struct {
	Project []Param
	Task    []Param
}

// Load resolves both parameter scopes for a task, decrypting sensitive values
// and expanding embedded parse(...) date expressions.
func Load(ctx context.Context, s *store.Store, key []byte, task *model.Task) (*Set, error) {
	projectRows, err := s.ProjectParams(ctx, task.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("load project params: %w", err)
	}
	taskRows, err := s.TaskParams(ctx, task.ID)
	if err != nil {
		return nil, fmt.Errorf("load task params: %w", err)
	}

	set := &Set{}
	for _, row := range projectRows {
		p, err := resolve(row.Key, row.Value, row.Sensitive, key)
		if err != nil {
			return nil, err
		}
		set.Project = append(set.Project, p)
	}
	for _, row := range taskRows {
		p, err := resolve(row.Key, row.Value, row.Sensitive, key)
		if err != nil {
			return nil, err
		}
		set.Task = append(set.Task, p)
	}

	return set, nil
}

func resolve(k, v string, sensitive bool, key []byte) (Param, error) {
	if sensitive {
		plain, err := secrets.Decrypt(v, key)
		if err != nil {
			return Param{}, fmt.Errorf("decrypt param %q: %w", k, err)
		}
		v = plain
	}

	var evalErr error
	v = parseMarkerRe.ReplaceAllStringFunc(v, func(m string) string {
		expr := parseMarkerRe.FindStringSubmatch(m)[1]
		out, err := dateparse.Evaluate(expr)
		if err != nil {
			evalErr = fmt.Errorf("param %q: %w", k, err)
			return m
		}
		return out
	})
	if evalErr != nil {
		return Param{}, evalErr
	}

	return Param{Key: k, Value: v}, nil
}

// Merged returns the task-over-project view of the parameters.
func (s *Set) Merged() map[string]string {
	merged := map[string]string{}
	for _, p := range s.Project {
		merged[p.Key] = p.Value
	}
	for _, p := range s.Task {
		merged[p.Key] = p.Value
	}
	return merged
}

// InsertQueryParams rewrites the right-hand side of "SET <key> = ..." and
// "Declare <key> <type> = ..." statements, case-insensitively. Project scope
// is applied first, then task scope, so task values win where both declare
// the same key.
func (s *Set) InsertQueryParams(query string) string {
	query = insertQueryParams(query, s.Project)
	query = insertQueryParams(query, s.Task)
	return query + "\n\n"
}

func insertQueryParams(query string, params []Param) string {
	for _, p := range byKeyLength(params) {
		k := regexp.QuoteMeta(p.Key)

		setRe := regexp.MustCompile(`(?i)(SET\s+` + k + `)\s*=\s*.*;?`)
		query = setRe.ReplaceAllString(query, "$1 = "+p.Value+";")

		declareRe := regexp.MustCompile(`(?i)(Declare\s+` + k + `\s)(.+?)\s*=\s*.*;?`)
		query = declareRe.ReplaceAllString(query, "$1$2 = "+p.Value+";")
	}
	return query
}

// InsertFileParams substitutes literal key tokens in a filename.
func (s *Set) InsertFileParams(name string) string {
	name = insertFileParams(name, s.Project)
	name = insertFileParams(name, s.Task)
	return name
}

func insertFileParams(name string, params []Param) string {
	for _, p := range byKeyLength(params) {
		name = regexp.MustCompile(regexp.QuoteMeta(p.Key)).ReplaceAllString(name, p.Value)
	}
	return name
}

// byKeyLength orders params by descending key length so a short key never
// matches inside a longer key's occurrence.
func byKeyLength(params []Param) []Param {
	out := make([]Param, len(params))
	copy(out, params)
	sort.SliceStable(out, func(i, j int) bool {
		return len(out[i].Key) > len(out[j].Key)
	})
	return out
}
