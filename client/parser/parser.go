// Package parser reads process model documents written in YAML.
package parser

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"

	"github.com/goccy/go-yaml"
	"gitlab.com/shar-workflow/taskflow/model"

	errors2 "gitlab.com/shar-workflow/taskflow/server/errors"
)

// Document is a parsed model document: one process and the endpoints its activities call.
type Document struct {
	Process   *model.Process
	Endpoints []model.Endpoint
}

type document struct {
	Name      string        `yaml:"name"`
	Owner     string        `yaml:"owner"`
	Nodes     []nodeDoc     `yaml:"nodes"`
	Endpoints []endpointDoc `yaml:"endpoints"`
}

type nodeDoc struct {
	ID           string            `yaml:"id"`
	Name         string            `yaml:"name"`
	Kind         string            `yaml:"kind"`
	Next         []string          `yaml:"next"`
	Service      string            `yaml:"service"`
	Endpoint     string            `yaml:"endpoint"`
	Method       string            `yaml:"method"`
	Headers      map[string]string `yaml:"headers"`
	Body         string            `yaml:"body"`
	Attachments  map[string]string `yaml:"attachments"`
	AutoComplete bool              `yaml:"autoComplete"`
	Condition    string            `yaml:"condition"`
	Min          int               `yaml:"min"`
	Max          int               `yaml:"max"`
}

type endpointDoc struct {
	Service  string `yaml:"service"`
	Endpoint string `yaml:"endpoint"`
	Address  string `yaml:"address"`
}

// ParseFile reads and parses a model document.
func ParseFile(path string) (*Document, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model document: %w", err)
	}
	return Parse(b)
}

// Parse parses a model document and validates the process graph.
// Predecessors are derived from each node's next list.
func Parse(b []byte) (*Document, error) {
	var doc document
	if err := yaml.UnmarshalWithOptions(b, &doc, yaml.Strict()); err != nil {
		return nil, fmt.Errorf("parse model document: %w", err)
	}
	proc := &model.Process{Name: doc.Name, Owner: model.Principal(doc.Owner)}
	byID := make(map[string]*model.Node, len(doc.Nodes))
	var errs []error
	for _, nd := range doc.Nodes {
		n, err := nd.node()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := byID[n.ID]; dup {
			errs = append(errs, fmt.Errorf("node %q defined twice: %w", n.ID, errors2.ErrInvalidModel))
			continue
		}
		byID[n.ID] = n
		proc.Nodes = append(proc.Nodes, n)
	}
	for _, nd := range doc.Nodes {
		src, ok := byID[nd.ID]
		if !ok {
			continue
		}
		for _, id := range nd.Next {
			dst, ok := byID[id]
			if !ok {
				errs = append(errs, fmt.Errorf("node %q: next %q is not defined: %w", nd.ID, id, errors2.ErrInvalidModel))
				continue
			}
			src.Successors = append(src.Successors, id)
			dst.Predecessors = append(dst.Predecessors, src.ID)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if err := proc.Validate(); err != nil {
		return nil, err
	}

	ret := &Document{Process: proc}
	for _, ed := range doc.Endpoints {
		if ed.Service == "" || ed.Endpoint == "" || ed.Address == "" {
			return nil, fmt.Errorf("endpoint %s/%s: service, endpoint and address are required: %w", ed.Service, ed.Endpoint, errors2.ErrInvalidModel)
		}
		ret.Endpoints = append(ret.Endpoints, model.Endpoint{ServiceID: ed.Service, EndpointID: ed.Endpoint, Address: ed.Address})
	}
	return ret, nil
}

func (nd nodeDoc) node() (*model.Node, error) {
	kind, err := model.ParseNodeKind(nd.Kind)
	if err != nil {
		return nil, fmt.Errorf("node %q: %w: %w", nd.ID, errors2.ErrInvalidModel, err)
	}
	n := &model.Node{ID: nd.ID, Name: nd.Name, Kind: kind}
	switch kind {
	case model.NodeKindActivity:
		t := model.MessageTemplate{
			ServiceID:    nd.Service,
			EndpointID:   nd.Endpoint,
			Method:       nd.Method,
			AutoComplete: nd.AutoComplete,
		}
		if nd.Body != "" {
			t.Body = []byte(nd.Body)
		}
		for _, k := range slices.Sorted(maps.Keys(nd.Headers)) {
			t.Headers = append(t.Headers, model.Header{Name: k, Value: nd.Headers[k]})
		}
		if len(nd.Attachments) > 0 {
			t.Attachments = make(map[string][]byte, len(nd.Attachments))
			for k, v := range nd.Attachments {
				t.Attachments[k] = []byte(v)
			}
		}
		n.Activity = &model.ActivityData{Message: t, Condition: nd.Condition}
	case model.NodeKindJoin:
		n.Join = &model.JoinData{Min: nd.Min, Max: nd.Max}
	}
	return n, nil
}
