package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/petrijr/procflow/pkg/api"
)

type registeredDefinition struct {
	compiled    *api.CompiledDefinition
	fingerprint string
}

// definitionRegistry holds compiled definitions by id and version.
type definitionRegistry struct {
	mu   sync.RWMutex
	byID map[string]map[int]registeredDefinition
}

func newDefinitionRegistry() *definitionRegistry {
	return &definitionRegistry{
		byID: make(map[string]map[int]registeredDefinition),
	}
}

// Register compiles and stores def. Registering the same content for an
// existing (id, version) returns the stored definition; different content
// is a DefinitionError.
func (r *definitionRegistry) Register(def api.ProcessDefinition) (*api.CompiledDefinition, error) {
	compiled, err := api.Compile(def)
	if err != nil {
		return nil, err
	}
	fp, err := fingerprint(compiled.Definition())
	if err != nil {
		return nil, &api.DefinitionError{DefinitionID: def.ID, Reason: fmt.Sprintf("fingerprint: %v", err)}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	versions := r.byID[compiled.ID()]
	if versions == nil {
		versions = make(map[int]registeredDefinition)
		r.byID[compiled.ID()] = versions
	}

	if existing, ok := versions[compiled.Version()]; ok {
		if existing.fingerprint == fp {
			return existing.compiled, nil
		}
		return nil, &api.DefinitionError{
			DefinitionID: compiled.ID(),
			Reason:       fmt.Sprintf("version %d already registered with different content", compiled.Version()),
		}
	}

	versions[compiled.Version()] = registeredDefinition{compiled: compiled, fingerprint: fp}
	return compiled, nil
}

func (r *definitionRegistry) Get(id string, version int) (*api.CompiledDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.byID[id][version]
	if !ok {
		return nil, &api.NotFoundError{Kind: "definition", ID: fmt.Sprintf("%s@%d", id, version)}
	}
	return def.compiled, nil
}

// Latest returns the highest registered version of id.
func (r *definitionRegistry) Latest(id string) (*api.CompiledDefinition, error) {
	versions := r.Versions(id)
	if len(versions) == 0 {
		return nil, &api.NotFoundError{Kind: "definition", ID: id}
	}
	return r.Get(id, versions[len(versions)-1])
}

// Versions lists the registered versions of id in ascending order.
func (r *definitionRegistry) Versions(id string) []int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := r.byID[id]
	out := make([]int, 0, len(versions))
	for v := range versions {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

func fingerprint(def api.ProcessDefinition) (string, error) {
	data, err := json.Marshal(def)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
