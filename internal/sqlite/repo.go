// Package sqlite binds the jobhound persistence port to a sqlite database.
package sqlite

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jmoiron/sqlx"

	"github.com/jobhound/jobhound/internal/jobhound"
)

// Ensure Repo implements the Store port.
var _ jobhound.Store = (*Repo)(nil)

// How many known-seen fingerprints to keep in memory. Only positive
// answers are cached; "not seen" must always come from the database.
const seenCacheSize = 8192

type Repo struct {
	db   *sqlx.DB
	seen *lru.Cache[string, struct{}]
}

func New(db *sqlx.DB) *Repo {
	cache, _ := lru.New[string, struct{}](seenCacheSize)
	return &Repo{db: db, seen: cache}
}
