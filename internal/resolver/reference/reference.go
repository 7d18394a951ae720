// Package reference implements a resolver backed by a local YAML reference file.
package reference

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"

	"gopkg.in/yaml.v3"

	apperrors "github.com/leedenison/portfoliodb/internal/errors"
	"github.com/leedenison/portfoliodb/internal/models"
	"github.com/leedenison/portfoliodb/internal/resolver"
)

// Name is the resolver name used in the precedence order.
const Name = "reference"

// File is the on-disk reference data layout.
type File struct {
	Instruments []Entry `yaml:"instruments"`
}

// Entry describes one instrument and the descriptors that identify it.
type Entry struct {
	Type         string            `yaml:"type"`
	Identifiers  map[string]string `yaml:"identifiers"`
	Descriptions []struct {
		Broker      string `yaml:"broker"`
		Description string `yaml:"description"`
	} `yaml:"descriptions"`
	Symbols []struct {
		Domain   string `yaml:"domain"`
		Exchange string `yaml:"exchange"`
		Symbol   string `yaml:"symbol"`
		Currency string `yaml:"currency"`
	} `yaml:"symbols"`
}

// Resolver answers descriptors listed in the reference file.
type Resolver struct {
	mu            sync.RWMutex
	index         map[string]*resolver.Result
	authoritative bool
}

var _ resolver.Plugin = (*Resolver)(nil)

// New creates an empty reference resolver. Configure loads its data.
func New() *Resolver {
	return &Resolver{index: make(map[string]*resolver.Result)}
}

// Name implements resolver.Plugin.
func (r *Resolver) Name() string { return Name }

// Resolve implements resolver.Plugin.
func (r *Resolver) Resolve(_ context.Context, d models.Descriptor) (*resolver.Result, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	res, ok := r.index[indexKey(d)]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	out := *res
	out.Identifiers = append([]models.Identifier(nil), res.Identifiers...)
	out.Authoritative = r.authoritative
	return &out, nil
}

// Configure implements resolver.Plugin. Options: path (required), authoritative.
func (r *Resolver) Configure(options map[string]string) error {
	path := options["path"]
	if path == "" {
		return apperrors.NewConfigError(Name, "path", "required")
	}
	authoritative := false
	if v, ok := options["authoritative"]; ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return apperrors.NewConfigError(Name, "authoritative", "must be a boolean")
		}
		authoritative = b
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return apperrors.NewConfigError(Name, "path", err.Error())
	}
	index, err := parse(data)
	if err != nil {
		return apperrors.NewConfigError(Name, "path", err.Error())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.index = index
	r.authoritative = authoritative
	return nil
}

// Load replaces the reference data with the YAML document in data.
func (r *Resolver) Load(data []byte) error {
	index, err := parse(data)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.index = index
	return nil
}

// Len returns the number of indexed descriptors.
func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.index)
}

func parse(data []byte) (map[string]*resolver.Result, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse reference data: %w", err)
	}

	index := make(map[string]*resolver.Result)
	for i, e := range f.Instruments {
		if len(e.Identifiers) == 0 {
			return nil, fmt.Errorf("instrument %d has no identifiers", i)
		}
		res := &resolver.Result{Type: models.ParseInstrumentType(e.Type)}
		for _, ns := range []string{models.NamespaceISIN, models.NamespaceCUSIP, models.NamespaceSEDOL, models.NamespaceFIGI} {
			if v, ok := e.Identifiers[ns]; ok {
				res.Identifiers = append(res.Identifiers, models.Identifier{Namespace: ns, Value: v, Source: Name})
			}
		}
		for ns, v := range e.Identifiers {
			if !knownNamespace(ns) {
				res.Identifiers = append(res.Identifiers, models.Identifier{Namespace: ns, Value: v, Source: Name})
			}
		}

		for _, d := range e.Descriptions {
			index[indexKey(models.NewDescriptionDescriptor(d.Broker, d.Description))] = res
		}
		for _, s := range e.Symbols {
			index[indexKey(models.NewSymbolDescriptor(s.Domain, s.Exchange, s.Symbol, s.Currency))] = res
		}
	}
	return index, nil
}

func knownNamespace(ns string) bool {
	switch ns {
	case models.NamespaceISIN, models.NamespaceCUSIP, models.NamespaceSEDOL, models.NamespaceFIGI:
		return true
	}
	return false
}

func indexKey(d models.Descriptor) string {
	return d.String()
}
