package service

import (
	"cmp"
	"encoding/json"
	"slices"
	"strconv"
	"strings"

	"github.com/InsulaLabs/taskboard/db/tkv"
	"github.com/InsulaLabs/taskboard/models"
	"github.com/pkg/errors"
)

const projectKeyPrefix = "project:"

var ErrProjectNotFound = errors.New("project not found")

func projectKey(id int64) string {
	return projectKeyPrefix + strconv.FormatInt(id, 10)
}

// projectStore keeps project records, tasks included, as JSON values.
type projectStore struct {
	db tkv.TKV
}

// seed writes the built-in projects when the store holds none.
func (ps *projectStore) seed() (bool, error) {
	existing, err := ps.db.Iterate(projectKeyPrefix, 0, 1)
	if err != nil {
		return false, errors.Wrap(err, "could not check for existing projects")
	}
	if len(existing) > 0 {
		return false, nil
	}

	seed := models.SeedProjects()
	entries := make([]tkv.TKVBatchEntry, 0, len(seed))
	for _, p := range seed {
		raw, err := json.Marshal(p)
		if err != nil {
			return false, errors.Wrapf(err, "could not encode seed project %d", p.ID)
		}
		entries = append(entries, tkv.TKVBatchEntry{Key: projectKey(p.ID), Value: string(raw)})
	}
	if err := ps.db.BatchSet(entries); err != nil {
		return false, errors.Wrap(err, "could not write seed projects")
	}
	return true, nil
}

func (ps *projectStore) get(id int64) (models.Project, error) {
	raw, err := ps.db.Get(projectKey(id))
	if err != nil {
		if tkv.IsErrKeyNotFound(err) {
			return models.Project{}, errors.Wrapf(ErrProjectNotFound, "id %d", id)
		}
		return models.Project{}, errors.Wrapf(err, "could not read project %d", id)
	}

	var p models.Project
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return models.Project{}, errors.Wrapf(err, "stored project %d is corrupt", id)
	}
	return p, nil
}

// list returns every project ordered by id.
func (ps *projectStore) list() ([]models.Project, error) {
	keys, err := ps.db.Iterate(projectKeyPrefix, 0, 0)
	if err != nil {
		return nil, errors.Wrap(err, "could not list projects")
	}

	projects := make([]models.Project, 0, len(keys))
	for _, key := range keys {
		id, err := strconv.ParseInt(strings.TrimPrefix(key, projectKeyPrefix), 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "malformed project key %q", key)
		}
		p, err := ps.get(id)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	slices.SortFunc(projects, func(a, b models.Project) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return projects, nil
}
