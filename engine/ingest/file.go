package ingest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dinewise/ragsvc/engine/domain"
	"gopkg.in/yaml.v3"
)

// ReadRequestFile loads an ingest request from a .json, .yaml or .yml file.
// The file holds either a full request or a bare list of documents, which
// ingests with the default chunking.
func ReadRequestFile(path string) (domain.IngestRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.IngestRequest{}, fmt.Errorf("ingest: read %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		// Re-encode as JSON so both formats share the json field names.
		var v any
		if err := yaml.Unmarshal(data, &v); err != nil {
			return domain.IngestRequest{}, fmt.Errorf("ingest: parse %s: %w", path, err)
		}
		if data, err = json.Marshal(v); err != nil {
			return domain.IngestRequest{}, fmt.Errorf("ingest: parse %s: %w", path, err)
		}
	}

	var docs []domain.Document
	if err := json.Unmarshal(data, &docs); err == nil {
		return domain.IngestRequest{Documents: docs}, nil
	}
	var req domain.IngestRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return domain.IngestRequest{}, fmt.Errorf("ingest: parse %s: %w", path, err)
	}
	return req, nil
}
