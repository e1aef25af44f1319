package repo

import (
	"context"
	"errors"
	"testing"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// --- mocks ---

type mockResult struct {
	records []*neo4j.Record
	idx     int
}

func (m *mockResult) Next(ctx context.Context) bool {
	if m.idx < len(m.records) {
		m.idx++
		return true
	}
	return false
}

func (m *mockResult) Record() *neo4j.Record {
	return m.records[m.idx-1]
}

type mockRunner struct {
	result  *mockResult
	err     error
	cyphers []string
	params  []map[string]any
}

func (m *mockRunner) Run(ctx context.Context, cypher string, params map[string]any) (result, error) {
	m.cyphers = append(m.cyphers, cypher)
	m.params = append(m.params, params)
	if m.err != nil {
		return nil, m.err
	}
	return m.result, nil
}

func (m *mockRunner) Close(ctx context.Context) error { return nil }

type item struct {
	ID   string
	Name string
}

func makeRecord(id, name string) *neo4j.Record {
	return &neo4j.Record{
		Values: []any{map[string]any{"id": id, "name": name}},
		Keys:   []string{"n"},
	}
}

func newTestRepo(r *mockRunner) *Neo4jRepo[item, string] {
	repo := NewNeo4jRepo[item, string](
		nil,
		"Item",
		func(e item) map[string]any { return map[string]any{"id": e.ID, "name": e.Name} },
		func(rec *neo4j.Record) (item, error) {
			props, ok := rec.Values[0].(map[string]any)
			if !ok {
				return item{}, errors.New("bad record")
			}
			return item{ID: props["id"].(string), Name: props["name"].(string)}, nil
		},
	)
	repo.newSession = func(ctx context.Context) runner { return r }
	return repo
}

// --- tests ---

func TestNeo4jRepoGet(t *testing.T) {
	runner := &mockRunner{result: &mockResult{records: []*neo4j.Record{makeRecord("i1", "widget")}}}
	repo := newTestRepo(runner)

	got, err := repo.Get(context.Background(), "i1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "i1" || got.Name != "widget" {
		t.Fatalf("got %+v", got)
	}
	if len(runner.cyphers) != 1 || runner.params[0]["id"] != "i1" {
		t.Fatalf("cypher = %v, params = %v", runner.cyphers, runner.params)
	}
}

func TestNeo4jRepoGetNotFound(t *testing.T) {
	repo := newTestRepo(&mockRunner{result: &mockResult{}})
	if _, err := repo.Get(context.Background(), "missing"); err == nil {
		t.Fatal("expected not-found error")
	}
}

func TestNeo4jRepoList(t *testing.T) {
	runner := &mockRunner{result: &mockResult{records: []*neo4j.Record{
		makeRecord("i1", "a"),
		makeRecord("i2", "b"),
	}}}
	repo := newTestRepo(runner)

	got, err := repo.List(context.Background(), ListOpts{Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[1].ID != "i2" {
		t.Fatalf("got %+v", got)
	}
}

func TestNeo4jRepoCreateAndUpdate(t *testing.T) {
	runner := &mockRunner{result: &mockResult{records: []*neo4j.Record{
		makeRecord("i1", "made"),
		makeRecord("i1", "renamed"),
	}}}
	repo := newTestRepo(runner)

	created, err := repo.Create(context.Background(), item{ID: "i1", Name: "made"})
	if err != nil || created.Name != "made" {
		t.Fatalf("create = %+v, %v", created, err)
	}
	updated, err := repo.Update(context.Background(), item{ID: "i1", Name: "renamed"})
	if err != nil || updated.Name != "renamed" {
		t.Fatalf("update = %+v, %v", updated, err)
	}
}

func TestNeo4jRepoDelete(t *testing.T) {
	runner := &mockRunner{result: &mockResult{}}
	repo := newTestRepo(runner)
	if err := repo.Delete(context.Background(), "i1"); err != nil {
		t.Fatal(err)
	}
}

func TestNeo4jRepoRunError(t *testing.T) {
	boom := errors.New("connection refused")
	repo := newTestRepo(&mockRunner{err: boom})
	if _, err := repo.Get(context.Background(), "i1"); !errors.Is(err, boom) {
		t.Fatalf("got %v", err)
	}
}
