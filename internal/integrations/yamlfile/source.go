// Package yamlfile reads a fixtures file of drivers, jobs and history.
package yamlfile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"fleetopt/internal/integrations"
)

// Source reads a YAML document shaped like integrations.Batch.
type Source struct {
	Path string
}

func (s Source) Name() string { return "yaml:" + s.Path }

func (s Source) Fetch(ctx context.Context) (integrations.Batch, error) {
	if err := ctx.Err(); err != nil {
		return integrations.Batch{}, err
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return integrations.Batch{}, err
	}
	return Parse(data)
}

// Parse decodes a fixtures document, rejecting unknown keys.
func Parse(data []byte) (integrations.Batch, error) {
	var b integrations.Batch
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&b); err != nil && !errors.Is(err, io.EOF) {
		return integrations.Batch{}, fmt.Errorf("parse fixtures: %w", err)
	}
	return b, nil
}
