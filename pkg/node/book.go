package node

import (
	"sort"

	"github.com/daviddao/tsae/pkg/model"
)

// Book is the replicated application: recipes keyed by title. Operations
// are routed here by kind once they are in the log. Not goroutine-safe; the
// node applies operations under its lock.
type Book struct {
	recipes map[string]model.Recipe
}

// NewBook returns an empty recipe book.
func NewBook() *Book {
	return &Book{recipes: make(map[string]model.Recipe)}
}

// Apply executes op's side effect.
func (b *Book) Apply(op model.Operation) {
	switch op.Kind {
	case model.OpAdd:
		b.recipes[op.Title] = model.Recipe{Title: op.Title, Body: op.Body, Timestamp: op.Timestamp}
	case model.OpRemove:
		delete(b.recipes, op.Title)
	}
}

// Get returns the recipe stored under title.
func (b *Book) Get(title string) (model.Recipe, bool) {
	r, ok := b.recipes[title]
	return r, ok
}

// Recipes returns every recipe ordered by title.
func (b *Book) Recipes() []model.Recipe {
	out := make([]model.Recipe, 0, len(b.recipes))
	for _, r := range b.recipes {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Title < out[j].Title })
	return out
}

// Len returns the number of recipes.
func (b *Book) Len() int { return len(b.recipes) }
